package s3

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/gorelax/pkg/provider"
)

// API is the subset of the S3 client the provider calls.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Provider implements provider.Provider on an S3 bucket.
type Provider struct {
	client API
	bucket string
}

var _ provider.Provider = (*Provider)(nil)

// New builds a client from cfg and the SDK default configuration chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient returns a Provider using an existing client.
func NewWithClient(client API, bucket string) *Provider {
	return &Provider{client: client, bucket: bucket}
}

// Bucket returns the bucket name.
func (p *Provider) Bucket() string { return p.bucket }

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" || endpoint != "" {
		return sdkRegion
	}
	return DefaultAWSRegion
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         cleanETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

func (p *Provider) List(ctx context.Context, prefix string) ([]provider.ObjectMeta, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(p.bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix)
	}

	var objects []provider.ObjectMeta
	pager := s3.NewListObjectsV2Paginator(p.client, in)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, p.wrapError("List", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, provider.ObjectMeta{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         cleanETag(aws.ToString(obj.ETag)),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (p *Provider) Close() error { return nil }

// wrapError maps S3 failures onto provider sentinels.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderS3, Bucket: p.bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelForCode(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = sentinel
		}
		return wrapped
	}

	// Some transports only surface the code or HTTP status in the message.
	msg := err.Error()
	for _, m := range messageSentinels {
		for _, needle := range m.needles {
			if strings.Contains(msg, needle) {
				wrapped.Err = m.err
				return wrapped
			}
		}
	}
	return wrapped
}

func sentinelForCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return provider.ErrNotFound
	case "NoSuchBucket":
		return provider.ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		return provider.ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return provider.ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return provider.ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return provider.ErrProviderUnavailable
	}
	return nil
}

var messageSentinels = []struct {
	needles []string
	err     error
}{
	{[]string{"NoSuchBucket"}, provider.ErrBucketNotFound},
	{[]string{"NoSuchKey", "NotFound", "StatusCode: 404"}, provider.ErrNotFound},
	{[]string{"AccessDenied", "Forbidden", "StatusCode: 403"}, provider.ErrAccessDenied},
	{[]string{"InvalidAccessKeyId", "SignatureDoesNotMatch"}, provider.ErrInvalidCredentials},
	{[]string{"SlowDown", "Throttling", "StatusCode: 429"}, provider.ErrThrottled},
	{[]string{"ServiceUnavailable", "StatusCode: 503"}, provider.ErrProviderUnavailable},
}

// cleanETag strips the quotes S3 puts around ETags.
func cleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}
