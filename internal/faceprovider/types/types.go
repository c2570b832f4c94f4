// Package types defines the contract every recognition backend satisfies.
// Downstream code consumes only the shapes declared here; provider-specific
// field names stay inside the adapter packages.
package types

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
)

// ErrNotConfigured reports a request addressed to a backend that has no
// credentials in the process configuration.
var ErrNotConfigured = errors.New("provider is not configured")

// Detection is a single face located in an image, in the provider's
// reported order.
type Detection struct {
	Box image.Rectangle
}

// CompareResult is the normalized outcome of a one-to-one face comparison.
// Similarity is the provider's confidence in [0,1] that both images depict
// the same identity. Distance is the provider's native dissimilarity
// metric; callers treat it only as "lower is more similar".
type CompareResult struct {
	Similarity float64
	Distance   float64
}

// Provider is the capability set exposed by a recognition backend.
type Provider interface {
	Name() string
	DetectFaces(ctx context.Context, img []byte) ([]Detection, error)
	CompareFaces(ctx context.Context, a, b []byte) (*CompareResult, error)
}

// ProviderError reports a failed provider call. Transient errors
// (rate limits, 5xx, transport failures) are safe to retry.
type ProviderError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewTransportError wraps a network-level failure, which is always retryable.
func NewTransportError(op string, err error) error {
	return &ProviderError{Op: op, Transient: true, Err: err}
}

// NewStatusError wraps a non-2xx provider response. Rate limiting and
// server-side failures are marked transient; other client errors are not.
func NewStatusError(op string, status int, body string) error {
	return &ProviderError{
		Op:         op,
		StatusCode: status,
		Transient:  status == http.StatusTooManyRequests || status >= 500,
		Err:        errors.New(body),
	}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.Transient
}
