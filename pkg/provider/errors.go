package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors. Providers map native failures onto these so callers can
// branch with errors.Is.
var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
	ErrInvalidKey          = errors.New("invalid object key")
)

// ProviderError records the operation and object a provider failure
// belongs to.
type ProviderError struct {
	// Op is the failed operation ("Head", "Put", "List", "New").
	Op string

	Provider ProviderType

	// Bucket is the bucket or base directory, if any.
	Bucket string

	// Key is the object key, if any.
	Key string

	Err error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is transient: throttling or an
// unavailable service.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}
