package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/pipeline"
	"github.com/JakeFAU/recall-crawler/internal/queue/memory"
	"github.com/JakeFAU/recall-crawler/internal/worker"
)

type countingCrawler struct {
	calls atomic.Int32
	seen  chan string
}

func (c *countingCrawler) CrawlSite(_ context.Context, startURL string) (pipeline.SiteResult, error) {
	c.calls.Add(1)
	c.seen <- startURL
	return pipeline.SiteResult{}, nil
}

func newDispatcher(t *testing.T, depth, workers int, sc worker.SiteCrawler) *Dispatcher {
	t.Helper()
	q := memory.NewQueue(depth)
	t.Cleanup(q.Close)
	return New(q, workers, func(id int, q crawler.Queue) *worker.Worker {
		return worker.New(id, q, sc, nil, zap.NewNop())
	}, zap.NewNop())
}

func TestDispatcherCollapsesWaitingSites(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, 4, 0, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://Example.com/docs#top", Attempt: 1}))
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://example.com/docs", Attempt: 1}))
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://other.example.com", Attempt: 1}))
	require.Equal(t, 2, d.Waiting())

	item, err := d.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://Example.com/docs#top", item.SiteURL)
	require.Equal(t, 1, d.Waiting())

	// Once a worker has it, the site can be queued again.
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://example.com/docs", Attempt: 1}))
	require.Equal(t, 2, d.Waiting())
}

func TestDispatcherRetriesBypassDedupe(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, 4, 0, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://example.com", Attempt: 1}))
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://example.com", Attempt: 2}))

	first, err := d.Dequeue(ctx)
	require.NoError(t, err)
	second, err := d.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, []int{first.Attempt, second.Attempt})
}

func TestDispatcherCountsRetriesPerSite(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, 4, 0, nil)
	ctx := context.Background()
	site := "https://example.com"

	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: site, Attempt: 2}))
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: site, Attempt: 3}))
	_, err := d.Dequeue(ctx)
	require.NoError(t, err)

	// One retry is still queued, so a fresh submission must not add an entry.
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: site, Attempt: 1}))
	require.Equal(t, 1, d.queue.(*memory.Queue).Len())
	require.Equal(t, 1, d.waiting[siteKey(site)])

	_, err = d.Dequeue(ctx)
	require.NoError(t, err)
	require.Zero(t, d.Waiting())
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: site, Attempt: 1}))
	require.Equal(t, 1, d.queue.(*memory.Queue).Len())
}

func TestDispatcherRejectedRetryKeepsQueuedSite(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, 1, 0, nil)
	ctx := context.Background()
	site := "https://example.com/docs"

	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: site, Attempt: 1}))
	err := d.Enqueue(ctx, crawler.QueueItem{SiteURL: site, Attempt: 2})
	require.ErrorIs(t, err, crawler.ErrQueueFull)
	require.Equal(t, 1, d.Waiting())

	// The first attempt is still waiting; a repeat submission is collapsed.
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: site, Attempt: 1}))
	require.Equal(t, 1, d.queue.(*memory.Queue).Len())
}

func TestDispatcherQueueFullReleasesSite(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, 1, 0, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://a.example"}))
	err := d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://b.example"})
	require.ErrorIs(t, err, crawler.ErrQueueFull)
	require.Equal(t, 1, d.Waiting())
}

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	d := New(errorQueue{err: errors.New("boom")}, 0, nil, nil)
	err := d.Enqueue(context.Background(), crawler.QueueItem{SiteURL: "https://example.com"})
	require.EqualError(t, err, "queue enqueue: boom")
	require.Zero(t, d.Waiting())
}

func TestDispatcherRunDrainsAndStops(t *testing.T) {
	t.Parallel()

	sc := &countingCrawler{seen: make(chan string, 4)}
	d := newDispatcher(t, 4, 2, sc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://a.example", Attempt: 1}))
	require.NoError(t, d.Enqueue(ctx, crawler.QueueItem{SiteURL: "https://b.example", Attempt: 1}))
	for range 2 {
		select {
		case <-sc.seen:
		case <-time.After(time.Second):
			t.Fatal("worker did not crawl queued site")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
	require.EqualValues(t, 2, sc.calls.Load())
}

type errorQueue struct{ err error }

func (q errorQueue) Enqueue(context.Context, crawler.QueueItem) error { return q.err }

func (q errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, q.err
}
