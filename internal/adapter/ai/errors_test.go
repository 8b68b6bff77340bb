package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]domain.ErrorClass{
		401: domain.ClassUnauthorized,
		403: domain.ClassClient,
		429: domain.ClassRateLimit,
		500: domain.ClassServer,
		503: domain.ClassServer,
		400: domain.ClassClient,
		404: domain.ClassClient,
		408: domain.ClassClient,
		413: domain.ClassClient,
	}
	for status, want := range cases {
		assert.Equal(t, want, ClassifyStatus(status), status)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{"nil", nil, ""},
		{"send error", &SendError{Class: domain.ClassRateLimit}, domain.ClassRateLimit},
		{"wrapped upstream", fmt.Errorf("x: %w", &UpstreamError{Status: 502, Class: domain.ClassServer}), domain.ClassServer},
		{"canceled", context.Canceled, domain.ClassAborted},
		{"aborted sentinel", fmt.Errorf("pace: %w", domain.ErrAborted), domain.ClassAborted},
		{"empty user", domain.ErrEmptyUserMessage, domain.ClassEmptyUserMessage},
		{"deadline", context.DeadlineExceeded, domain.ClassNetwork},
		{"unknown", errors.New("dial tcp: refused"), domain.ClassNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSendError(t *testing.T) {
	last := &UpstreamError{Status: 429, Class: domain.ClassRateLimit}
	err := &SendError{Class: domain.ClassRateLimit, Message: "slow down", CorrelationID: "abc", Last: last}

	assert.Equal(t, "slow down (ref: abc)", err.Error())
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Equal(t, 429, err.Status())

	var ue *UpstreamError
	assert.True(t, errors.As(err, &ue))
	assert.Equal(t, "plain", (&SendError{Message: "plain"}).Error())
	assert.Zero(t, (&SendError{Class: domain.ClassNetwork}).Status())
}

func TestUpstreamError_UnwrapsClassAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &UpstreamError{Class: domain.ClassNetwork, Cause: cause}
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotEmpty(t, err.Error())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	header := func(kv ...string) http.Header {
		h := http.Header{}
		for i := 0; i < len(kv); i += 2 {
			h.Set(kv[i], kv[i+1])
		}
		return h
	}

	tests := []struct {
		name string
		h    http.Header
		want time.Duration
	}{
		{"none", header(), 0},
		{"seconds", header("Retry-After", "7"), 7 * time.Second},
		{"fractional seconds", header("Retry-After", "1.5"), 1500 * time.Millisecond},
		{"http date", header("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat)), 30 * time.Second},
		{"date in past", header("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat)), 0},
		{"garbage", header("Retry-After", "soon"), 0},
		{"capped", header("Retry-After", "3600"), 5 * time.Minute},
		{"reset seconds", header("X-RateLimit-Reset", "12"), 12 * time.Second},
		{"reset millis", header("X-RateLimit-Reset", "2500"), 2500 * time.Millisecond},
		{"reset epoch seconds", header("X-RateLimit-Reset", fmt.Sprint(now.Add(40*time.Second).Unix())), 40 * time.Second},
		{"reset epoch millis", header("X-RateLimit-Reset", fmt.Sprint(now.Add(45*time.Second).UnixMilli())), 45 * time.Second},
		{"reset requests", header("X-RateLimit-Reset-Requests", "3"), 3 * time.Second},
		{"retry-after wins", header("Retry-After", "2", "X-RateLimit-Reset", "9"), 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.h, now))
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, s := range []int{408, 409, 429, 500, 502, 503, 504} {
		assert.True(t, retryableStatus(s), s)
	}
	for _, s := range []int{400, 401, 403, 404, 413, 501} {
		assert.False(t, retryableStatus(s), s)
	}
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "abc", snippet("abc", 10))
	assert.LessOrEqual(t, len(snippet("abcdefghijklmnop", 5)), 8)
}
