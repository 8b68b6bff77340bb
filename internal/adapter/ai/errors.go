package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/fairyhunter13/llm-chat-gateway/pkg/textx"
)

// maxRetryHint bounds any server-provided retry delay.
const maxRetryHint = 5 * time.Minute

// UpstreamError describes one failed upstream attempt.
type UpstreamError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	Class      domain.ErrorClass
	Timeout    bool
	Cause      error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status > 0:
		return fmt.Sprintf("upstream status %d: %s", e.Status, snippet(e.Body, 256))
	case e.Timeout:
		return "upstream attempt timed out"
	case e.Cause != nil:
		return "upstream request failed: " + e.Cause.Error()
	default:
		return "upstream request failed"
	}
}

// Unwrap exposes the class sentinel and the underlying cause.
func (e *UpstreamError) Unwrap() []error {
	errs := []error{e.Class.Sentinel()}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// SendError is the caller-facing failure of a whole request. Message is safe
// to show to users and always ends with the correlation reference.
type SendError struct {
	Class         domain.ErrorClass
	Message       string
	CorrelationID string
	Last          error
}

func (e *SendError) Error() string {
	if e.CorrelationID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (ref: %s)", e.Message, e.CorrelationID)
}

// Unwrap exposes the class sentinel and the last upstream error.
func (e *SendError) Unwrap() []error {
	errs := []error{e.Class.Sentinel()}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	return errs
}

// Status returns the last upstream HTTP status, or 0.
func (e *SendError) Status() int {
	var ue *UpstreamError
	if errors.As(e.Last, &ue) {
		return ue.Status
	}
	return 0
}

// ClassifyStatus maps an HTTP status to an error class.
func ClassifyStatus(status int) domain.ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return domain.ClassUnauthorized
	case status == http.StatusTooManyRequests:
		return domain.ClassRateLimit
	case status >= 500:
		return domain.ClassServer
	case status >= 400:
		return domain.ClassClient
	default:
		return domain.ClassServer
	}
}

// Classify sorts any error into a class. Caller cancellation is ABORTED;
// anything unrecognised is NETWORK.
func Classify(err error) domain.ErrorClass {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrAborted) {
		return domain.ClassAborted
	}
	for _, c := range []domain.ErrorClass{
		domain.ClassUnauthorized, domain.ClassRateLimit, domain.ClassServer, domain.ClassClient,
		domain.ClassNoCredentials, domain.ClassEmptyUserMessage, domain.ClassStreamAborted,
	} {
		if errors.Is(err, c.Sentinel()) {
			return c
		}
	}
	return domain.ClassNetwork
}

// retryableStatus lists statuses the transport retries on the same credential.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

var resetHeaders = []string{
	"X-RateLimit-Reset",
	"X-RateLimit-Reset-Requests",
	"RateLimit-Reset",
}

// ParseRetryAfter extracts a retry hint from Retry-After (seconds or HTTP date)
// or a numeric reset header. Reset values at epoch scale are absolute times;
// smaller values are seconds below 1000 and milliseconds otherwise. The result
// is capped at five minutes; zero means no hint.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	var d time.Duration
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			d = time.Duration(secs * float64(time.Second))
		} else if at, err := http.ParseTime(v); err == nil {
			d = at.Sub(now)
		}
	}
	if d <= 0 {
		for _, name := range resetHeaders {
			v := strings.TrimSpace(h.Get(name))
			if v == "" {
				continue
			}
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			d = resetToDuration(n, now)
			if d > 0 {
				break
			}
		}
	}
	if d <= 0 {
		return 0
	}
	if d > maxRetryHint {
		return maxRetryHint
	}
	return d
}

func resetToDuration(n float64, now time.Time) time.Duration {
	switch {
	case n >= 1e12:
		return time.UnixMilli(int64(n)).Sub(now)
	case n >= 1e9:
		return time.Unix(int64(n), 0).Sub(now)
	case n < 1000:
		return time.Duration(n * float64(time.Second))
	default:
		return time.Duration(n * float64(time.Millisecond))
	}
}

// snippet truncates s to at most n runes for logs and errors.
func snippet(s string, n int) string {
	if textx.RuneLen(s) <= n {
		return s
	}
	return textx.Truncate(s, n) + "..."
}
