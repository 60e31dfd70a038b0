package archive

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/afero"

	"github.com/3leaps/gorelax/pkg/provider"
	"github.com/3leaps/gorelax/pkg/provider/file"
	"github.com/3leaps/gorelax/pkg/provider/s3"
)

// Target is a parsed archive URI.
type Target struct {
	Type ProviderType

	// Bucket is the S3 bucket, or the base directory for file targets.
	Bucket string

	// Prefix is the key prefix under the bucket, without slashes at
	// either end.
	Prefix string
}

// ProviderType aliases provider.ProviderType for callers of this package.
type ProviderType = provider.ProviderType

// ParseURI parses "s3://bucket/prefix", "file:///dir" or a bare path.
func ParseURI(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("archive uri is empty")
	}
	if !strings.Contains(raw, "://") {
		return Target{Type: provider.ProviderFile, Bucket: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("archive uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Target{}, fmt.Errorf("archive uri %q: missing bucket", raw)
		}
		return Target{Type: provider.ProviderS3, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return Target{}, fmt.Errorf("archive uri %q: remote file hosts are not supported", raw)
		}
		if u.Path == "" {
			return Target{}, fmt.Errorf("archive uri %q: missing path", raw)
		}
		return Target{Type: provider.ProviderFile, Bucket: u.Path}, nil
	default:
		return Target{}, fmt.Errorf("archive uri %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// S3Options carries S3 settings not expressed in the URI.
type S3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Open returns a provider for t. fsys backs file targets; nil uses the OS
// filesystem.
func Open(ctx context.Context, t Target, fsys afero.Fs, opts S3Options) (provider.Provider, error) {
	switch t.Type {
	case provider.ProviderS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:         t.Bucket,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			Profile:        opts.Profile,
			ForcePathStyle: opts.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case provider.ProviderFile:
		p, err := file.New(file.Config{BaseDir: t.Bucket, Fs: fsys})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported archive provider %q", t.Type)
	}
}
