package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	HTTPTimeout = 30 * time.Second
	// maxAPIBody caps how much of a JSON API reply is buffered.
	maxAPIBody = 8 << 20
	userAgent  = "anvil"
)

// Backoff is an exponential retry schedule. Attempts counts the first try.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used by GetJSON and DoWithRetry.
var DefaultBackoff = Backoff{Attempts: 4, Base: 100 * time.Millisecond, Max: 2 * time.Second} //nolint:mnd

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base << attempt
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	return d
}

// APIError is a reply with an unexpected HTTP status.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// NewHTTPClient returns a client bounded by HTTPTimeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: HTTPTimeout}
}

// DoAPI sends one request and returns the body if the reply carries
// expectedStatus. Any other status is an *APIError holding the body text.
func DoAPI(ctx context.Context, hc *http.Client, method, url string, body []byte, expectedStatus int) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, url, err)
	}
	if resp.StatusCode != expectedStatus {
		return nil, &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s returned %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(data)),
		}
	}
	return data, nil
}

// DoWithRetry runs fn on DefaultBackoff.
func DoWithRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return Retry(ctx, DefaultBackoff, fn)
}

// Retry runs fn until it succeeds, returns a permanent error, or b is
// exhausted. Cancellation during a wait returns ctx.Err().
func Retry[T any](ctx context.Context, b Backoff, fn func() (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := range max(b.Attempts, 1) {
		var v T
		if v, err = fn(); err == nil {
			return v, nil
		}
		if !IsRetryable(err) || attempt == b.Attempts-1 {
			break
		}
		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, err
}

// IsRetryable reports whether err is worth another attempt: transport
// failures, 5xx and 429. Context errors are final.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= http.StatusInternalServerError || ae.Code == http.StatusTooManyRequests
	}
	return true
}

// GetJSON GETs url expecting 200 and decodes the body into T, retrying
// transient failures. A body that does not decode is not retried.
func GetJSON[T any](ctx context.Context, hc *http.Client, url string) (*T, error) {
	return DoWithRetry(ctx, func() (*T, error) {
		data, err := DoAPI(ctx, hc, http.MethodGet, url, nil, http.StatusOK)
		if err != nil {
			return nil, err
		}
		out := new(T)
		if err := json.Unmarshal(data, out); err != nil {
			return nil, &APIError{Code: http.StatusUnprocessableEntity, Message: fmt.Sprintf("decode %s: %v", url, err)}
		}
		return out, nil
	})
}
