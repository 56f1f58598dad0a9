package velora

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// Sentinel errors returned by SDK operations. Gateway failures are never
// surfaced as panics; network-class failures are swallowed inside the
// messaging layer per its resilience policy and only logged.
var (
	// ErrNotAuthenticated is returned when an operation requires a session
	// and none has been set via SetSession.
	ErrNotAuthenticated = errors.New("velora: not authenticated")

	// ErrInvalidOperand is returned for self-targeting operations or
	// otherwise malformed identifiers.
	ErrInvalidOperand = errors.New("velora: invalid operand")
)

// IsNetworkError reports whether err is a transient connectivity failure
// (timeout, refused connection, DNS failure, cancelled dial) as opposed to a
// rejection the gateway itself produced. The messaging layer swallows
// network-class errors silently: cached state remains the best available
// approximation while connectivity is gone.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
