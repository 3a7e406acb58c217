// Package resilience holds the primitives that guard outbound calls: a
// per-agent budget tracker, a circuit breaker and retry with backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// RetryClass indicates whether an error should be retried.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"     // retry with backoff
	RetryClassMaybe        RetryClass = "maybe"         // retry at most twice
	RetryClassNonRetryable RetryClass = "non_retryable" // fail now
)

// ErrCircuitOpen is returned without calling the guarded function while a
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CallError wraps an outbound failure with what the transport knew about it.
type CallError struct {
	Err         error
	Class       RetryClass
	HTTPStatus  int
	RetryAfter  string
	IsRateLimit bool
	IsTimeout   bool
	IsNetwork   bool
	IsAuth      bool
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("call failed: %s", e.Class)
}

func (e *CallError) Unwrap() error { return e.Err }

// WrapHTTPError classifies err using the HTTP status when one is known.
// Status 0 means the request never got a response.
func WrapHTTPError(err error, status int, retryAfter string) error {
	if err == nil {
		return nil
	}
	class := classifyStatus(status)
	if status == 0 {
		class = ClassifyError(err)
	}
	return &CallError{
		Err:         err,
		Class:       class,
		HTTPStatus:  status,
		RetryAfter:  retryAfter,
		IsRateLimit: status == http.StatusTooManyRequests,
		IsTimeout:   status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout,
		IsNetwork:   status == 0,
		IsAuth:      status == http.StatusUnauthorized || status == http.StatusForbidden,
	}
}

func classifyStatus(status int) RetryClass {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return RetryClassRetryable
	case status >= 500:
		return RetryClassRetryable
	case status >= 400:
		return RetryClassNonRetryable
	default:
		return RetryClassNonRetryable
	}
}

// ClassifyError decides whether err is worth retrying. Cancellation,
// open breakers, exhausted budgets and client errors never are.
func ClassifyError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return RetryClassNonRetryable
	}
	var be *BudgetExceededError
	if errors.As(err, &be) {
		return RetryClassNonRetryable
	}
	var ce *CallError
	if errors.As(err, &ce) {
		if ce.HTTPStatus != 0 {
			return classifyStatus(ce.HTTPStatus)
		}
		if ce.Class != "" {
			return ce.Class
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetryClassMaybe
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return RetryClassRetryable
	}

	// untyped errors: match whole words only, so "1500 tokens" is not a 500
	msg := strings.ToLower(err.Error())
	switch {
	case rateLimitPattern.MatchString(msg):
		return RetryClassRetryable
	case serverErrorPattern.MatchString(msg):
		return RetryClassRetryable
	case transientPattern.MatchString(msg):
		return RetryClassRetryable
	case strings.Contains(msg, "deadline exceeded"):
		return RetryClassMaybe
	default:
		return RetryClassNonRetryable
	}
}

var (
	rateLimitPattern   = regexp.MustCompile(`\b(429|rate limit(ed)?|too many requests)\b`)
	serverErrorPattern = regexp.MustCompile(`\b(50[0234]|internal server error|bad gateway|service unavailable|gateway timeout|overloaded)\b`)
	transientPattern   = regexp.MustCompile(`\b(timeout|timed out|connection reset|connection refused|no such host|network( is)? unreachable|temporary failure|unexpected eof|eof)\b`)
)

// RetryAfter extracts a Retry-After hint from err, or 0.
func RetryAfter(err error) time.Duration {
	var ce *CallError
	if !errors.As(err, &ce) || ce.RetryAfter == "" {
		return 0
	}
	var seconds int
	if _, scanErr := fmt.Sscanf(ce.RetryAfter, "%d", &seconds); scanErr == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, parseErr := time.Parse(time.RFC1123, ce.RetryAfter); parseErr == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryExhaustedError reports the last error once all attempts are used.
type RetryExhaustedError struct {
	Err      error
	Attempts int
	Guarded  bool // stopped early because the error was only maybe-retryable
}

func (e *RetryExhaustedError) Error() string {
	if e.Guarded {
		return fmt.Sprintf("guarded retries exhausted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IsRetryExhausted reports whether err is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
