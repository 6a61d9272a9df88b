// Package dispatcher sits between crawl submitters and the worker pool. It
// owns the queue, collapses repeat submissions for a site that is still
// waiting, and runs the workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
	"github.com/JakeFAU/recall-crawler/internal/worker"
)

// WorkerFactory builds worker id draining q.
type WorkerFactory func(id int, q crawler.Queue) *worker.Worker

// Dispatcher is a crawler.Queue that deduplicates waiting sites.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	logger  *zap.Logger

	mu sync.Mutex
	// waiting counts queue entries per site; retries can add more than one.
	waiting map[string]int
}

// New wraps queue and builds n workers with factory.
func New(queue crawler.Queue, n int, factory WorkerFactory, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:   queue,
		logger:  logger.Named("dispatcher"),
		waiting: make(map[string]int),
	}
	for i := 0; i < n; i++ {
		d.workers = append(d.workers, factory(i, d))
	}
	return d
}

// Run starts every worker and returns once ctx is done and all of them have
// finished their current site.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	wg.Wait()
}

// Enqueue submits item. A first attempt for a site that is already waiting
// is accepted without queueing it twice. Retries always go through.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	key := siteKey(item.SiteURL)
	d.mu.Lock()
	if d.waiting[key] > 0 && item.Attempt <= 1 {
		d.mu.Unlock()
		d.logger.Debug("site already queued", zap.String("site_url", item.SiteURL))
		return nil
	}
	// Count before enqueueing so a concurrent first attempt sees it.
	d.waiting[key]++
	d.mu.Unlock()

	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.release(key)
		if errors.Is(err, crawler.ErrQueueFull) {
			metrics.ObserveQueueRejected()
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue hands the next item to a worker and frees its site for
// resubmission.
func (d *Dispatcher) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	item, err := d.queue.Dequeue(ctx)
	if err != nil {
		return crawler.QueueItem{}, fmt.Errorf("queue dequeue: %w", err)
	}
	d.release(siteKey(item.SiteURL))
	return item, nil
}

// Waiting reports how many distinct sites are queued.
func (d *Dispatcher) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiting)
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waiting[key] <= 1 {
		delete(d.waiting, key)
		return
	}
	d.waiting[key]--
}

func siteKey(raw string) string {
	if key, err := crawler.NormalizeURL(raw); err == nil {
		return key
	}
	return raw
}
