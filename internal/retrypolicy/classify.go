// Package retrypolicy classifies errors as retryable, computes backoff
// delays, and runs a bounded retry loop with an injectable clock, jitter
// source, and sleep function (spec §4.7).
//
// Grounded on internal/infra/retry_policy.go's per-channel
// ChannelRetryPolicy (classification-table shape, retry-after string
// parsing) and internal/retry/retry.go's cancellation-aware sleep idiom,
// both in haasonsaas-nexus.
package retrypolicy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusError is implemented by errors that carry an HTTP status code,
// e.g. a provider SDK's typed API error. classifyError type-asserts for
// this interface before falling back to message-pattern matching.
type HTTPStatusError interface {
	error
	StatusCode() int
}

var nonRetryableStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusMethodNotAllowed:    true,
	http.StatusConflict:            true,
	http.StatusUnprocessableEntity: true,
}

var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// transientPatterns is the fixed, case-insensitive list of message
// substrings that mark an error as transient I/O (spec §4.7).
var transientPatterns = []string{
	"econnrefused",
	"econnreset",
	"etimedout",
	"enetunreach",
	"ehostunreach",
	"enotfound",
	"socket hang up",
	"network",
	"timeout",
	"connection refused",
	"dns",
	"fetch failed",
}

// ClassifyError is total: every error is either retryable or not. Priority
// order: (1) HTTP status in the non-retryable set wins outright; (2) HTTP
// status in the retryable set; (3) a transient message pattern; (4)
// otherwise not retryable.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}

	if statusErr, ok := err.(HTTPStatusError); ok {
		status := statusErr.StatusCode()
		if nonRetryableStatuses[status] {
			return false
		}
		if retryableStatuses[status] {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// ParseRetryAfter parses a Retry-After-style value: an integer number of
// seconds (>= 0), converted to milliseconds (ceiling), or an HTTP-date,
// converted to max(0, date-now) milliseconds. Returns (0, false) if value
// cannot be parsed as either.
func ParseRetryAfter(value string, now time.Time) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds >= 0 {
		ms := int64(seconds * 1000)
		if seconds*1000 > float64(ms) {
			ms++ // ceiling
		}
		return ms, true
	}

	if date, err := http.ParseTime(value); err == nil {
		delta := date.Sub(now)
		if delta < 0 {
			delta = 0
		}
		return delta.Milliseconds(), true
	}

	return 0, false
}
