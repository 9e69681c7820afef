// Package resilience wraps models and tools with retry, rate-limit
// handling, circuit breaking, and failover. Decorators compose as
// failover(retry(breaker(model))); each layer is usable on its own.
package resilience

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorClass is the deterministic classification of a call failure.
type ErrorClass string

const (
	ClassRateLimit      ErrorClass = "rate_limit"
	ClassTimeout        ErrorClass = "timeout"
	ClassAuthentication ErrorClass = "authentication"
	ClassClientError    ErrorClass = "client_error"
	ClassServerError    ErrorClass = "server_error"
	ClassUnknown        ErrorClass = "unknown"
)

// Transient reports whether retrying the same endpoint can help.
// Authentication and client errors never retry; unknown errors are treated
// as generic transport failures and do.
func (c ErrorClass) Transient() bool {
	switch c {
	case ClassRateLimit, ClassTimeout, ClassServerError, ClassUnknown:
		return true
	}
	return false
}

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// retryAfterProvider is implemented by rate-limit errors that carry the
// server-mandated delay.
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// Classify maps an error to its class. Precedence: status code, sentinel
// errors, message patterns.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch code := sc.StatusCode(); {
		case code == 429:
			return ClassRateLimit
		case code == 401 || code == 403:
			return ClassAuthentication
		case code == 408:
			return ClassTimeout
		case code >= 500:
			return ClassServerError
		case code >= 400:
			return ClassClientError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "quota exceeded"):
		return ClassRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "authentication", "permission denied", "forbidden"):
		return ClassAuthentication
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ClassTimeout
	case containsAny(msg, "internal server error", "bad gateway", "service unavailable", "overloaded", "server error"):
		return ClassServerError
	case containsAny(msg, "bad request", "invalid request", "not found", "unprocessable"):
		return ClassClientError
	}
	return ClassUnknown
}

func containsAny(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

var retryAfterPattern = regexp.MustCompile(`retry[-_ ]?after[:= ]*\s*(\d+)`)

// RetryAfterOf extracts the server-mandated delay from a rate-limit error.
// Falls back to scanning the message for a header-style hint; zero when
// absent.
func RetryAfterOf(err error) time.Duration {
	var p retryAfterProvider
	if errors.As(err, &p) {
		return p.RetryAfter()
	}
	if m := retryAfterPattern.FindStringSubmatch(strings.ToLower(err.Error())); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
