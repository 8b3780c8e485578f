// Package provider defines the object store that receives job artifacts and
// launch assets.
//
// Authentication uses SDK default credential chains; providers never
// implement their own auth.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is an object store.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// PutObject creates or overwrites an object.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// DeleteObject removes an object. Deleting a missing object is not an
	// error.
	DeleteObject(ctx context.Context, key string) error

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 is AWS S3 or an S3-compatible store.
	ProviderS3 ProviderType = "s3"

	// ProviderFile is a local directory, used for dry runs and tests.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
