// Package transport ships generated code generation artifacts to the
// execution target once a round completes.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/codegen"
	"pkt.systems/harmonyd/internal/svcfields"
)

// Options carries what every transport needs.
type Options struct {
	// OutputDir holds one directory per generated unit, named by key slug.
	OutputDir string
	DestHost  string
	DestPath  string
	// Timeout bounds a whole Ship call. Zero disables it.
	Timeout time.Duration
	// Credentials overrides the s3:// credential chain.
	Credentials *credentials.Credentials
	// AWSCredentials overrides the aws:// default credential chain.
	AWSCredentials aws.CredentialsProvider
	// Sealer, when set, encrypts artifacts bound for an object store.
	Sealer *Sealer
	Logger pslog.Logger
}

// Noop ships nothing.
type Noop struct{}

// Ship implements codegen.Shipper.
func (Noop) Ship(context.Context, []codegen.Key) error { return nil }

// New resolves a transport URL:
//
//	none
//	script:///path/to/ship.sh
//	s3://host[:port]/bucket[/prefix][?insecure=1&region=r]
//	aws://bucket[/prefix][?region=r&endpoint=url&path_style=1&insecure=1]
//	azure://account/container[/prefix][?endpoint=url&sas=token]
func New(raw string, opts Options) (codegen.Shipper, error) {
	opts.Logger = svcfields.WithSubsystem(svcfields.Ensure(opts.Logger), "codegen.transport")
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "none" {
		return Noop{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: parse %q: %w", raw, err)
	}
	switch u.Scheme {
	case "script":
		return newScript(u, opts)
	case "s3":
		return newS3(u, opts)
	case "aws":
		return newAWS(u, opts)
	case "azure":
		return newAzure(u, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
