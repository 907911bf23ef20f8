package classify

import (
	"errors"
	"fmt"
)

// Error taxonomy. Network errors are retryable: the batch is marked
// failed and its windows un-retired. Auth errors are surfaced to the
// caller with no retry.
var (
	// ErrNetwork marks retryable transport or server-side failures.
	ErrNetwork = errors.New("classification network error")

	// ErrAuth marks non-retryable authentication failures.
	ErrAuth = errors.New("classification auth error")

	// ErrRejected marks non-retryable request rejections (malformed
	// payload and similar).
	ErrRejected = errors.New("classification request rejected")
)

// IsRetryable reports whether the caller may retry the failed batch
// on a later cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// statusError wraps an HTTP status into the taxonomy.
func statusError(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: status %d: %s", ErrAuth, status, body)
	case status == 429 || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrNetwork, status, body)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, status, body)
	}
}
