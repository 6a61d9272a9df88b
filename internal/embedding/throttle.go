// Package embedding wraps a raw embedder with rate limiting, a concurrency
// cap, per-call timeouts, bounded retries, and vector validation.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
)

// Options tunes the Throttled wrapper. Zero values pick conservative defaults.
type Options struct {
	RPS           float64
	Burst         int
	MaxConcurrent int64
	Timeout       time.Duration
	Retry         crawler.RetryPolicy
	Logger        *zap.Logger
}

// Throttled implements crawler.Embedder on top of another Embedder.
type Throttled struct {
	next    crawler.Embedder
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	timeout time.Duration
	retry   crawler.RetryPolicy
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewThrottled wraps next.
func NewThrottled(next crawler.Embedder, opts Options) *Throttled {
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = crawler.NewExponentialRetryPolicy(3, 0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(limit, opts.Burst),
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		timeout: opts.Timeout,
		retry:   opts.Retry,
		logger:  opts.Logger.Named("embedding"),
		sleep:   sleepCtx,
	}
}

// Dimensions reports the wrapped embedder's vector size.
func (t *Throttled) Dimensions() int {
	return t.next.Dimensions()
}

// Embed embeds text, retrying transient failures. Every error wraps
// crawler.ErrEmbeddingUnavailable.
func (t *Throttled) Embed(ctx context.Context, text string) (crawler.Vector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, unavailable(crawler.Permanent(errors.New("empty text")))
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, unavailable(err)
	}
	defer t.sem.Release(1)

	for attempt := 0; ; attempt++ {
		vec, err := t.attempt(ctx, text)
		if err == nil {
			return vec, nil
		}
		if !t.retry.ShouldRetry(err, attempt+1) || ctx.Err() != nil {
			metrics.ObserveEmbedding("error", 0)
			return nil, unavailable(err)
		}
		delay := t.retry.Backoff(attempt)
		t.logger.Debug("retrying embedding",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		metrics.ObserveEmbedding("retry", 0)
		if err := t.sleep(ctx, delay); err != nil {
			return nil, unavailable(err)
		}
	}
}

func (t *Throttled) attempt(ctx context.Context, text string) (crawler.Vector, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	vec, err := t.next.Embed(callCtx, text)
	if err != nil {
		return nil, err
	}
	if err := t.validate(vec); err != nil {
		return nil, crawler.Permanent(err)
	}
	metrics.ObserveEmbedding("ok", time.Since(start))
	return vec, nil
}

func (t *Throttled) validate(vec crawler.Vector) error {
	if len(vec) == 0 {
		return errors.New("empty vector")
	}
	if want := t.next.Dimensions(); want > 0 && len(vec) != want {
		return fmt.Errorf("vector has %d dimensions, want %d", len(vec), want)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("vector component %d is not finite", i)
		}
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, crawler.ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", crawler.ErrEmbeddingUnavailable, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
