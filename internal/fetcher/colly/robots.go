package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
)

// allowAll is served in place of a robots.txt that could not be read.
const allowAll = "User-agent: *\nAllow: /\n"

// robotsTransport retries robots.txt lookups and, when the host stays
// unreachable or keeps failing with 5xx, answers with an allow-all file.
// Colly otherwise treats such hosts as fully disallowed and the site never
// gets indexed. Every other request passes straight through.
type robotsTransport struct {
	base  http.RoundTripper
	retry crawler.RetryPolicy
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{
		base:  base,
		retry: crawler.NewExponentialRetryPolicy(4, 250*time.Millisecond, 2*time.Second),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req) //nolint:wrapcheck // transparent transport
	}

	for attempt := 1; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}
		if err == nil {
			drain(resp)
			err = fmt.Errorf("robots.txt status %d", resp.StatusCode)
		} else if !transient(err) {
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
		if !t.retry.ShouldRetry(err, attempt) {
			metrics.ObserveRobotsFallback()
			return allowAllResponse(req), nil
		}
		if err := wait(req.Context(), t.retry.Backoff(attempt-1)); err != nil {
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
	}
}

// transient reports timeouts and TLS handshake stalls, the failures a slow
// host recovers from.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAll)),
		ContentLength: int64(len(allowAll)),
		Request:       req,
	}
}
