package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	maxRetries = 2
	userAgent  = "Mozilla/5.0 (compatible; mediahelper/1.0; +https://github.com/RTCFlyer/discord-media-helper)"
)

// SharedHTTPClient returns a pooled client for API calls and page fetches.
// timeout bounds the whole exchange, body included.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(),
	}
}

// DownloadHTTPClient returns a client for media downloads. Bodies can be
// large and slow, so only dialing, the TLS handshake and the response headers
// are bounded; the body read is limited by the request context. It reuses
// base's connection pool when base has a transport.
func DownloadHTTPClient(base *http.Client) *http.Client {
	if base != nil && base.Transport != nil {
		return &http.Client{Transport: base.Transport}
	}
	return &http.Client{Transport: newTransport()}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// statusError is a non-2xx response.
type statusError struct {
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes a request, retrying network failures, 5xx and 429
// with jittered backoff. Any other non-2xx status is returned as an error
// without retry. On success the caller owns resp.Body.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(attempt, lastErr)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", userAgent)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		se := &statusError{statusCode: resp.StatusCode, body: string(body)}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, se
		}
		lastErr = &retryAfterError{statusError: se, after: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}

type retryAfterError struct {
	*statusError
	after time.Duration
}

func (e *retryAfterError) Unwrap() error { return e.statusError }

func backoffFor(attempt int, lastErr error) time.Duration {
	if ra, ok := lastErr.(*retryAfterError); ok && ra.after > 0 {
		return min(ra.after, 30*time.Second)
	}
	base := time.Duration(attempt*attempt) * 500 * time.Millisecond
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
