package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a platform failure for retry decisions.
type ErrorKind int

const (
	// KindUnknown covers network hiccups and anything unclassified.
	// Retried with a short fixed delay.
	KindUnknown ErrorKind = iota

	// KindRateLimited means flood/slow-mode throttling. RetryAfter carries
	// the platform-reported wait.
	KindRateLimited

	// KindForbidden means the account lacks posting rights. Never retried.
	KindForbidden

	// KindNotFound means the destination could not be addressed.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error wraps a platform error with its classification.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration // only meaningful for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the ErrorKind from err; unwrapped or foreign errors
// classify as KindUnknown.
func Classify(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// WaitHint returns the platform-reported wait for a rate-limit error,
// or zero when err carries none.
func WaitHint(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) && te.Kind == KindRateLimited {
		return te.RetryAfter
	}
	return 0
}

func Forbidden(err error) *Error   { return &Error{Kind: KindForbidden, Err: err} }
func NotFound(err error) *Error    { return &Error{Kind: KindNotFound, Err: err} }
func Unknown(err error) *Error     { return &Error{Kind: KindUnknown, Err: err} }
func RateLimited(err error, wait time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: wait, Err: err}
}
