// Package apierr maps HTTP outcomes of provider APIs onto domain failures.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

// maxBody bounds how much of an error body ends up in messages.
const maxBody = 512

// FromResponse classifies a non-2xx response. 429 and 5xx are transient and
// carry the Retry-After hint; 400, 401, 403 and 404 are permanent.
func FromResponse(resp *http.Response, body []byte) error {
	msg := fmt.Errorf("HTTP %d: %s", resp.StatusCode, message(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		f := domain.Transient(domain.CodeRateLimited, msg)
		f.RetryAfter = RetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return f
	case resp.StatusCode >= 500:
		f := domain.Transient(domain.CodeServerError, msg)
		f.RetryAfter = RetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return f
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return domain.Permanent(domain.CodeUnauthorized, msg)
	case resp.StatusCode == http.StatusNotFound:
		return domain.Permanent(domain.CodeNotFound, msg)
	case resp.StatusCode == http.StatusRequestTimeout:
		return domain.Transient(domain.CodeTimeout, msg)
	default:
		return domain.Permanent(domain.CodeInvalidRequest, msg)
	}
}

// FromTransport classifies an error returned by http.Client.Do. Caller
// cancellation is returned unchanged.
func FromTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.Transient(domain.CodeTimeout, err)
	}
	return domain.Transient(domain.CodeServerError, err)
}

// Malformed wraps a decoding problem with a successful response.
func Malformed(err error) error {
	return domain.Transient(domain.CodeMalformed, err)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// message extracts {"error": {"message": ...}} or {"detail": ...} when present.
func message(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Detail != nil {
			return fmt.Sprint(parsed.Detail)
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxBody {
		s = s[:maxBody] + "..."
	}
	return s
}
