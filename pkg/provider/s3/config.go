// Package s3 implements provider.Provider for AWS S3 and S3-compatible
// stores.
package s3

// Config configures an S3 provider.
//
// Credentials come from the AWS SDK v2 default chain (environment, shared
// files, instance or task roles) unless AccessKeyID and SecretAccessKey are
// both set. For S3-compatible stores set Endpoint and usually
// ForcePathStyle; no default region is applied then.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Region is the AWS region. Empty lets the SDK resolve it, falling
	// back to us-east-1 for AWS S3.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects a shared config profile.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path.
	ForcePathStyle bool
}

// DefaultAWSRegion is the region used for AWS S3 when none resolves.
const DefaultAWSRegion = "us-east-1"

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError is a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
