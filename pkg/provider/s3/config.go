// Package s3 stores job artifacts in AWS S3 or an S3-compatible service.
package s3

// Config configures an S3 provider.
//
// Credentials come from the SDK default chain (environment, shared files,
// instance role) unless AccessKeyID and SecretAccessKey are both set.
// Workers launched by `starship launch` rely on the instance profile.
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	Bucket string
	Region string

	// Endpoint overrides the AWS endpoint, e.g. http://localhost:9000.
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// MaxKeys is the default List page size, clamped to MaxAllowedKeys.
	MaxKeys int
}

const (
	DefaultMaxKeys   = 1000
	MaxAllowedKeys   = 1000
	DefaultAWSRegion = "us-east-1"
	defaultMIMEType  = "application/octet-stream"
)

// Validate checks that required configuration is present.
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

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
