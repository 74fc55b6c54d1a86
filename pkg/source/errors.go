package source

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for the remote read failure taxonomy. Implementations of
// Remote wrap these with %w; callers classify with errors.Is via Classify.
var (
	// ErrNotFound means the addressed node does not exist upstream. This is
	// a clean outcome for callers, not an exceptional one.
	ErrNotFound = errors.New("not found upstream")

	// ErrRateLimited means the remote source is throttling. Retry later;
	// existing caches must not be cleared.
	ErrRateLimited = errors.New("rate limited by remote source")

	// ErrNetwork means transient connectivity failure (timeouts included).
	// Retry later; existing caches must not be cleared.
	ErrNetwork = errors.New("network error")
)

// FailureKind classifies a remote read failure.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureNotFound
	FailureRateLimited
	FailureNetwork
)

// String returns the user-facing label for the kind.
func (k FailureKind) String() string {
	switch k {
	case FailureNotFound:
		return "not found"
	case FailureRateLimited:
		return "rate limited"
	case FailureNetwork:
		return "network error"
	default:
		return "unknown error"
	}
}

// Classify maps an error from a Remote call onto the failure taxonomy.
// Context cancellation/deadline and net errors count as network failures.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureUnknown
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FailureNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureNetwork
	}
	return FailureUnknown
}
