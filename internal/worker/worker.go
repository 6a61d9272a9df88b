// Package worker drains the crawl queue, running one site pass per item.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
	"github.com/JakeFAU/recall-crawler/internal/pipeline"
)

// SiteCrawler runs one pass over a site.
type SiteCrawler interface {
	CrawlSite(ctx context.Context, startURL string) (pipeline.SiteResult, error)
}

// Worker consumes queue items and hands them to the pipeline.
type Worker struct {
	id      int
	queue   crawler.Queue
	crawler SiteCrawler
	retry   crawler.RetryPolicy
	logger  *zap.Logger
	// after schedules a delayed re-enqueue; swapped in tests.
	after func(d time.Duration, fn func())
}

// New constructs a Worker. A nil retry policy disables re-enqueueing.
func New(id int, queue crawler.Queue, sc SiteCrawler, retry crawler.RetryPolicy, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		crawler: sc,
		retry:   retry,
		logger:  logger.Named("worker").With(zap.Int("worker", id)),
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			// A closed queue never recovers.
			return
		}
		w.logger.Debug("dequeued site", zap.String("site_url", item.SiteURL), zap.Int("attempt", item.Attempt))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	res, err := w.crawler.CrawlSite(ctx, item.SiteURL)
	if err == nil {
		w.logger.Info("site pass finished",
			zap.String("site_url", item.SiteURL),
			zap.String("site_id", res.Site.ID),
			zap.Bool("updated", res.Page.Updated),
			zap.String("reason", string(res.Page.Reason)),
			zap.Int("chunks", res.Page.Chunks),
		)
		return
	}
	w.logger.Error("site pass failed", zap.String("site_url", item.SiteURL), zap.Error(err))
	if ctx.Err() != nil || !w.retryable(err, item.Attempt+1) {
		return
	}
	next := item
	next.Attempt++
	delay := w.retry.Backoff(item.Attempt)
	w.logger.Info("re-enqueueing site", zap.String("site_url", item.SiteURL), zap.Duration("delay", delay))
	w.after(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.queue.Enqueue(ctx, next); err != nil {
			w.logger.Warn("re-enqueue failed", zap.String("site_url", next.SiteURL), zap.Error(err))
		}
	})
}

// retryable limits re-enqueueing to failures a later pass can fix.
func (w *Worker) retryable(err error, attempts int) bool {
	if w.retry == nil {
		return false
	}
	if !errors.Is(err, crawler.ErrEmbeddingUnavailable) && !errors.Is(err, crawler.ErrPersistenceConflict) {
		return false
	}
	return w.retry.ShouldRetry(err, attempts)
}
