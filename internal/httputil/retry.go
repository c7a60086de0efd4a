package httputil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dar-k-dev/p-progress/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls the retry behavior for HTTP requests.
type RetryConfig struct {
	MaxRetries    uint64
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig returns the defaults for agent calls to the app origin
// and the push service.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NoRetry performs exactly one attempt.
func NoRetry() RetryConfig {
	return RetryConfig{MaxRetries: 0}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: c.JitterFrac,
		Multiplier:          c.BackoffFactor,
		MaxInterval:         c.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// isRetryableStatus returns true for HTTP status codes that are safe to retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Do executes an HTTP request with retry logic. The request body must be
// provided separately as a byte slice so it can be replayed on retries.
// Non-retryable statuses are returned to the caller as-is.
func Do(ctx context.Context, client *http.Client, method, target string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	var resp *http.Response
	attempt := 0

	operation := func() error {
		attempt++

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		r, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if isRetryableStatus(r.StatusCode) {
			r.Body.Close()
			return &StatusError{StatusCode: r.StatusCode, URL: target}
		}
		resp = r
		return nil
	}

	notify := func(err error, d time.Duration) {
		log.Debug("retrying request", "attempt", attempt, "delay", d, "url", target, logging.KeyError, err)
	}

	if err := backoff.RetryNotify(operation, cfg.backOff(ctx), notify); err != nil {
		if attempt > 1 {
			log.Warn("all retries exhausted",
				"method", method,
				"url", target,
				"attempts", attempt,
				logging.KeyError, err,
			)
		}
		return nil, err
	}
	return resp, nil
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether the status was one Do would retry.
func (e *StatusError) Retryable() bool {
	return isRetryableStatus(e.StatusCode)
}

// StatusCode returns the status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// CheckStatus closes resp and returns a *StatusError unless the status is 2xx.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return &StatusError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}
}

// CacheBust appends a t=<unix millis> query parameter so intermediaries
// cannot serve a stale copy.
func CacheBust(raw string, now time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NoCacheHeaders asks every cache on the path to revalidate.
func NoCacheHeaders() http.Header {
	h := http.Header{}
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	return h
}

// GetFresh fetches target bypassing caches and returns the body of a 2xx
// response, reading at most limit bytes.
func GetFresh(ctx context.Context, client *http.Client, target string, limit int64, cfg RetryConfig) ([]byte, error) {
	busted, err := CacheBust(target, time.Now())
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	resp, err := Do(ctx, client, http.MethodGet, busted, nil, NoCacheHeaders(), cfg)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}
