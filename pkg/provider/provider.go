// Package provider abstracts the object stores a finished relaxation is
// archived to.
//
// The surface is deliberately small: archiving needs to know whether an
// object is already present, upload it, and enumerate what a prefix holds.
// Authentication is left to the SDK default chains.
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
	// Head returns metadata for key, or an error wrapping ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Put stores body under key, replacing any existing object. size is
	// the exact body length.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	// Close releases provider resources.
	Close() error
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ProviderType identifies an object store implementation.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
