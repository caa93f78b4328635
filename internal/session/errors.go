package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnknownSegment is returned for segment codes without a marketplace.
var ErrUnknownSegment = errors.New("unknown segment")

// SessionError reports that a segment session could not be established or
// was rejected after re-authentication.
type SessionError struct {
	Segment string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Segment, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// ProviderError reports a failed provider request. StatusCode is zero for
// transport failures.
type ProviderError struct {
	Segment    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s: %v", e.Segment, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s: status %d: %v", e.Segment, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: status %d", e.Segment, e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the request may succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}
