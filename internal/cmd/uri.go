package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/starship/internal/config"
	"github.com/3leaps/starship/pkg/provider"
)

var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// DestURI is a parsed artifact destination.
//
// Example URIs:
//   - s3://bucket
//   - s3://bucket/videos
//   - file:///srv/media/videos
type DestURI struct {
	Provider provider.ProviderType
	// Bucket is the bucket name, or the base directory for file URIs.
	Bucket string
	// Prefix is the folder under Bucket. May be empty.
	Prefix string
}

// String returns the URI in canonical form.
func (u *DestURI) String() string {
	if u.Provider == provider.ProviderFile {
		return "file://" + u.Bucket
	}
	if u.Prefix == "" {
		return fmt.Sprintf("s3://%s/", u.Bucket)
	}
	return fmt.Sprintf("s3://%s/%s/", u.Bucket, u.Prefix)
}

// Apply points storage at the destination and returns the folder to use.
// An empty prefix keeps folder.
func (u *DestURI) Apply(storage config.StorageConfig, folder string) (config.StorageConfig, string) {
	switch u.Provider {
	case provider.ProviderFile:
		storage.LocalDir = u.Bucket
	default:
		storage.Bucket = u.Bucket
		storage.LocalDir = ""
	}
	if u.Prefix != "" {
		folder = u.Prefix
	}
	return storage, folder
}

// ParseDestURI parses an s3:// or file:// destination.
func ParseDestURI(uri string) (*DestURI, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return nil, fmt.Errorf("%w: missing scheme (expected s3://... or file://...)", ErrInvalidURI)
	}
	scheme := strings.ToLower(uri[:schemeEnd])
	remainder := uri[schemeEnd+3:]

	switch scheme {
	case "file":
		if remainder == "" {
			return nil, fmt.Errorf("%w: missing path in %s", ErrInvalidURI, uri)
		}
		return &DestURI{Provider: provider.ProviderFile, Bucket: remainder}, nil
	case "s3":
	default:
		return nil, fmt.Errorf("%w: %s (supported: s3, file)", ErrUnsupportedProvider, scheme)
	}

	bucket, prefix, _ := strings.Cut(remainder, "/")
	if bucket == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}
	if strings.ContainsAny(bucket, " ?#*") {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
	}
	if strings.ContainsAny(prefix, "*?[") {
		return nil, fmt.Errorf("%w: patterns are not allowed in a destination", ErrInvalidURI)
	}
	return &DestURI{
		Provider: provider.ProviderS3,
		Bucket:   bucket,
		Prefix:   strings.Trim(prefix, "/"),
	}, nil
}
