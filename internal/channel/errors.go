package channel

import (
	"errors"
	"fmt"
	"time"
)

// DeliveryError classifies an outbound send failure. Transient failures
// (timeouts, 5xx, rate limits) are worth retrying; permanent ones
// (invalid chat reference, malformed request) are not.
type DeliveryError struct {
	Channel    string
	Transient  bool
	RetryAfter time.Duration // optional hint from the platform (rate limits)
	Err        error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s delivery failure: %v", e.Channel, kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(name string, err error) *DeliveryError {
	return &DeliveryError{Channel: name, Transient: true, Err: err}
}

// TransientAfter wraps err as a retryable delivery failure with a
// platform-supplied retry-after hint.
func TransientAfter(name string, err error, after time.Duration) *DeliveryError {
	return &DeliveryError{Channel: name, Transient: true, RetryAfter: after, Err: err}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(name string, err error) *DeliveryError {
	return &DeliveryError{Channel: name, Transient: false, Err: err}
}

// IsTransient reports whether err is a delivery failure worth retrying.
// Unclassified errors (network-level failures that never produced a
// DeliveryError) are treated as transient.
func IsTransient(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}
	return true
}

// RetryAfter returns the platform's retry-after hint, or zero.
func RetryAfter(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
