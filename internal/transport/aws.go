package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"

	"pkt.systems/harmonyd/internal/codegen"
)

// AWS uploads artifacts with the AWS SDK, honouring the standard AWS
// configuration chain (environment, shared config, instance roles).
type AWS struct {
	client *s3.Client
	bucket string
	prefix string
	opts   Options
}

func newAWS(u *url.URL, opts Options) (*AWS, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("transport: aws bucket required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("transport: aws requires an output directory")
	}
	q := u.Query()
	region := q.Get("region")
	if region == "" {
		return nil, fmt.Errorf("transport: aws region required")
	}
	insecure := truthy(q.Get("insecure"))
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Transport: awsTransport(insecure)}),
	}
	if opts.AWSCredentials != nil {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(opts.AWSCredentials))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), loaders...)
	if err != nil {
		return nil, fmt.Errorf("transport: aws load config: %w", err)
	}
	endpoint := strings.TrimSpace(q.Get("endpoint"))
	pathStyle := truthy(q.Get("path_style"))
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
		// S3-compatible stores rarely speak the flexible checksum trailers.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &AWS{client: client, bucket: u.Host, prefix: strings.Trim(u.Path, "/"), opts: opts}, nil
}

// Ship implements codegen.Shipper.
func (a *AWS) Ship(ctx context.Context, keys []codegen.Key) error {
	ctx, cancel := withTimeout(ctx, a.opts.Timeout)
	defer cancel()
	files, err := collect(a.opts, "aws", a.prefix, keys)
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		p, err := a.opts.open(f)
		if err != nil {
			return fmt.Errorf("transport: aws ship %s: %w", f.unit, err)
		}
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(p.object),
			Body:          p.body,
			ContentLength: aws.Int64(p.size),
			ContentType:   aws.String(a.opts.contentType()),
		})
		_ = p.close()
		if err != nil {
			return fmt.Errorf("transport: aws ship %s: upload %s: %w", f.unit, p.object, describeAWSError(err))
		}
		total += p.size
	}
	a.opts.Logger.Info("transport.aws.shipped", "bucket", a.bucket, "units", len(keys), "files", len(files), "size", humanize.Bytes(uint64(total)), "sealed", a.opts.Sealer != nil)
	return nil
}

// describeAWSError surfaces the service error code ahead of the SDK's
// wrapped operation error.
func describeAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}

func awsTransport(insecure bool) http.RoundTripper {
	rt := defaultTransport()
	if t, ok := rt.(*http.Transport); ok && insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return rt
}

func truthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}
