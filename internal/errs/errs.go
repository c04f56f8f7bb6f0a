// Package errs defines the error taxonomy shared by the sync engine.
//
// Every failure that crosses a component boundary can be reduced to one Kind
// with Classify. Callers should use errors.Is against the sentinels:
//
//	if errors.Is(err, errs.ErrRateLimited) {
//	    // suspend polling
//	}
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNetwork is returned when a request failed before any response arrived.
	ErrNetwork = errors.New("network error")

	// ErrRateLimited is returned when the row store throttles the caller (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout is returned when a caller-imposed deadline passed without a
	// definitive answer. The write may still land.
	ErrTimeout = errors.New("timed out")

	// ErrHardRejection is returned when the server definitively rejected a request.
	ErrHardRejection = errors.New("rejected by server")

	// ErrNotFound is returned when the row id is unknown to the row store.
	// It always matches ErrHardRejection too.
	ErrNotFound = errors.New("row not found")

	// ErrChannel is returned for push transport failures that may be retried.
	ErrChannel = errors.New("push channel error")

	// ErrChannelClosedPermanent is returned when the push channel can never
	// be reopened.
	ErrChannelClosedPermanent = errors.New("push channel closed permanently")
)

// Kind is the coarse classification of an error.
type Kind int

const (
	KindNone Kind = iota
	KindNetwork
	KindRateLimited
	KindTimeout
	KindHardRejection
	KindChannel
	KindChannelClosedPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindHardRejection:
		return "hard_rejection"
	case KindChannel:
		return "channel"
	case KindChannelClosedPermanent:
		return "channel_closed_permanent"
	default:
		return "unknown"
	}
}

// HTTPError is a non-2xx answer from the row store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps the status code onto the sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrHardRejection:
		return e.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// Network wraps err as ErrNetwork.
func Network(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// Channel wraps err as ErrChannel.
func Channel(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrChannel, err)
}

// Classify reduces err to a Kind. Context deadlines and net timeouts count as
// KindTimeout; any other transport failure counts as KindNetwork.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, ErrChannelClosedPermanent):
		return KindChannelClosedPermanent
	case errors.Is(err, ErrChannel):
		return KindChannel
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrHardRejection):
		return KindHardRejection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// IsRetryable returns true if repeating the same request may succeed.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindRateLimited, KindTimeout, KindChannel:
		return true
	default:
		return false
	}
}

// IsPermanent returns true if repeating the request can never succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrChannelClosedPermanent)
}

// IsAdvisory returns true if err should reach the user as a warning rather
// than a blocking error: the session recovers on its own by the next refresh.
func IsAdvisory(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindRateLimited, KindNetwork:
		return true
	default:
		return false
	}
}
