package strategy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class categorizes a fetch failure for the orchestrator's retry policy.
type Class string

const (
	// ClassTransient failures are retryable: timeout, rate limit, 5xx,
	// intermittent DOM-not-ready.
	ClassTransient Class = "transient"
	// ClassPermanent failures are not retried: auth rejected, resource
	// removed, structurally incompatible response. The source gets flagged
	// for operator review.
	ClassPermanent Class = "permanent"
)

// Error is a classified fetch failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// Transientf is Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf is Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsTransient reports whether err is classified transient. Unclassified
// errors default to transient: retrying an unknown failure is cheaper than
// wrongly flagging a live source.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Class == ClassTransient
	}
	return true
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Class == ClassPermanent
	}
	return false
}

// ClassifyHTTP wraps an HTTP-status failure with the right class.
// 401/403 (auth rejected), 404/410 (resource gone) are permanent;
// 429, 5xx, and everything else is transient.
func ClassifyHTTP(status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return Permanent(err)
	case status == 404 || status == 410:
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// ClassifyNetwork wraps a transport-level failure. Context cancellation,
// timeouts, DNS and connection errors are all transient.
func ClassifyNetwork(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient(err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "tls handshake"),
		strings.Contains(msg, "timeout"):
		return Transient(err)
	}
	return Transient(err)
}
