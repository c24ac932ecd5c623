package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/harmonyd/internal/codegen"
	"pkt.systems/harmonyd/internal/version"
)

// S3 uploads every file under <output-dir>/<slug>/ to
// <bucket>/<prefix>/<slug>/.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	opts   Options
}

func newS3(u *url.URL, opts Options) (*S3, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("transport: s3 endpoint required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("transport: s3 requires an output directory")
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("transport: s3 bucket required")
	}
	q := u.Query()
	insecure := truthy(q.Get("insecure"))
	creds := opts.Credentials
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	client, err := minio.New(u.Host, &minio.Options{
		Creds:        creds,
		Secure:       !insecure,
		Region:       q.Get("region"),
		Transport:    defaultTransport(),
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: create s3 client: %w", err)
	}
	client.SetAppInfo("harmonyd", version.Current())
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), opts: opts}, nil
}

// Ship implements codegen.Shipper.
func (s *S3) Ship(ctx context.Context, keys []codegen.Key) error {
	ctx, cancel := withTimeout(ctx, s.opts.Timeout)
	defer cancel()
	files, err := collect(s.opts, "s3", s.prefix, keys)
	if err != nil {
		return err
	}
	var total int64
	for _, a := range files {
		p, err := s.opts.open(a)
		if err != nil {
			return fmt.Errorf("transport: s3 ship %s: %w", a.unit, err)
		}
		info, err := s.client.PutObject(ctx, s.bucket, p.object, p.body, p.size, minio.PutObjectOptions{ContentType: s.opts.contentType()})
		_ = p.close()
		if err != nil {
			return fmt.Errorf("transport: s3 ship %s: upload %s: %w", a.unit, p.object, err)
		}
		total += info.Size
	}
	s.opts.Logger.Info("transport.s3.shipped", "bucket", s.bucket, "units", len(keys), "files", len(files), "size", humanize.Bytes(uint64(total)), "sealed", s.opts.Sealer != nil)
	return nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return clone
}
