package platform

import (
	"fmt"
	"time"
)

// ErrUnavailable indicates a transient failure talking to a platform
// (rate-limited upstream, timeout, server error). Workers retry these with
// backoff; RetryAfter, when non-zero, is the server-requested minimum delay.
type ErrUnavailable struct {
	Platform   Name
	Cause      error
	RetryAfter time.Duration
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("platform %s unavailable: %v", e.Platform, e.Cause)
}

func (e *ErrUnavailable) Unwrap() error { return e.Cause }

// ErrMalformedRecord indicates a single record that could not be normalized.
// Workers skip the record, count it, and continue the page.
type ErrMalformedRecord struct {
	Platform Name
	Detail   string
}

func (e *ErrMalformedRecord) Error() string {
	return fmt.Sprintf("platform %s: malformed record: %s", e.Platform, e.Detail)
}

// ErrAuthRequired indicates the platform needs credentials but none are
// configured. Jobs for such a platform never start.
type ErrAuthRequired struct {
	Platform Name
}

func (e *ErrAuthRequired) Error() string {
	return fmt.Sprintf("platform %s: credentials not configured", e.Platform)
}
