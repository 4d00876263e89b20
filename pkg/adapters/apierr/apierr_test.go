package apierr

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestFromResponse(t *testing.T) {
	tests := []struct {
		status int
		header string
		class  domain.FailureClass
		code   string
		after  time.Duration
	}{
		{http.StatusTooManyRequests, "7", domain.ClassTransient, domain.CodeRateLimited, 7 * time.Second},
		{http.StatusServiceUnavailable, "", domain.ClassTransient, domain.CodeServerError, 0},
		{http.StatusBadRequest, "", domain.ClassPermanent, domain.CodeInvalidRequest, 0},
		{http.StatusUnauthorized, "", domain.ClassPermanent, domain.CodeUnauthorized, 0},
		{http.StatusForbidden, "", domain.ClassPermanent, domain.CodeUnauthorized, 0},
		{http.StatusNotFound, "", domain.ClassPermanent, domain.CodeNotFound, 0},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		if tt.header != "" {
			resp.Header.Set("Retry-After", tt.header)
		}
		err := FromResponse(resp, []byte(`{"error": {"message": "nope"}}`))

		assert.Equal(t, tt.class, domain.ClassOf(err), "status %d", tt.status)
		assert.Equal(t, tt.code, domain.CodeOf(err), "status %d", tt.status)
		assert.Contains(t, err.Error(), "nope")
		after, _ := domain.RetryAfterOf(err)
		assert.Equal(t, tt.after, after, "status %d", tt.status)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Second, RetryAfter("2", now))
	assert.Equal(t, 1500*time.Millisecond, RetryAfter("1.5", now))
	assert.Equal(t, 30*time.Second, RetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, RetryAfter("", now))
	assert.Zero(t, RetryAfter("soon", now))
	assert.Zero(t, RetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestFromTransport(t *testing.T) {
	err := FromTransport(context.Background(), context.DeadlineExceeded)
	assert.Equal(t, domain.CodeTimeout, domain.CodeOf(err))

	err = FromTransport(context.Background(), errors.New("connection refused"))
	assert.Equal(t, domain.ClassTransient, domain.ClassOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = FromTransport(ctx, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, domain.CodeOf(err))
}
