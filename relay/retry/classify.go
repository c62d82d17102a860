package retry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
)

// UpstreamError is a failed upstream call with whatever the upstream told us.
type UpstreamError struct {
	StatusCode int
	// Code is the upstream or transport error code, e.g. rate_limit_exceeded.
	Code    string
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, msg)
	}
	if e.Code != "" {
		return fmt.Sprintf("upstream %s: %s", e.Code, msg)
	}
	return "upstream: " + msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError builds an UpstreamError from a status code and message.
func NewUpstreamError(statusCode int, code, message string) *UpstreamError {
	return &UpstreamError{StatusCode: statusCode, Code: code, Message: message}
}

// Class is what the controller should do about a failed attempt.
type Class int

const (
	// ClassFatal surfaces the error without another attempt.
	ClassFatal Class = iota
	// ClassTransient retries, usually on the same credential.
	ClassTransient
	// ClassRateLimited retries on another credential and marks this one limited.
	ClassRateLimited
	// ClassSessionReset retries on another credential; the current one looks unauthorized.
	ClassSessionReset
	// ClassCanceled means the caller went away; never retried, never counted as failure.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassSessionReset:
		return "session_reset"
	case ClassCanceled:
		return "canceled"
	default:
		return "fatal"
	}
}

// Retryable reports whether the class allows another attempt.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited || c == ClassSessionReset
}

// RotatesCredential reports whether the next attempt must use another token.
func (c Class) RotatesCredential() bool {
	return c == ClassRateLimited || c == ClassSessionReset
}

var timeoutMarkers = []string{
	"timed out",
	"timeout",
	"connection reset",
	"temporarily unavailable",
	"http2",
	"eof",
}

// IsRateLimited matches 429 responses and rate_limit_exceeded error codes.
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.StatusCode == http.StatusTooManyRequests || ue.Code == "rate_limit_exceeded"
}

// IsCanceled matches caller cancellation, which is a normal terminal state.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Classify decides how the policy treats err.
func (p Policy) Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if IsCanceled(err) {
		return ClassCanceled
	}
	if IsRateLimited(err) {
		return ClassRateLimited
	}

	var ue *UpstreamError
	if errors.As(err, &ue) && ue.StatusCode > 0 {
		if _, ok := p.ResetSessionStatusCodes[ue.StatusCode]; ok {
			return ClassSessionReset
		}
		if _, ok := p.StatusCodes[ue.StatusCode]; ok {
			if ue.StatusCode == http.StatusUnauthorized {
				return ClassSessionReset
			}
			return ClassTransient
		}
		return ClassFatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range timeoutMarkers {
		if strings.Contains(lower, marker) {
			return ClassTransient
		}
	}
	return ClassFatal
}
