package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/embedding/hashing"
	"github.com/JakeFAU/recall-crawler/internal/progress"
	"github.com/JakeFAU/recall-crawler/internal/storage/memory"
)

type fakePage struct {
	body         string
	lastModified string
	headErr      error
	fetchErr     error
}

// fakeWeb serves HEAD and GET from an in-memory site map.
type fakeWeb struct {
	mu       sync.Mutex
	pages    map[string]fakePage
	heads    map[string]int
	fetches  map[string]int
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeWeb() *fakeWeb {
	return &fakeWeb{
		pages:   make(map[string]fakePage),
		heads:   make(map[string]int),
		fetches: make(map[string]int),
	}
}

func (w *fakeWeb) set(url string, page fakePage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[url] = page
}

func (w *fakeWeb) fetchCount(url string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetches[url]
}

func (w *fakeWeb) Head(_ context.Context, url string) (crawler.HeadInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heads[url]++
	page, ok := w.pages[url]
	if !ok {
		return crawler.HeadInfo{}, fmt.Errorf("head %s: %w", url, crawler.ErrFetchUnavailable)
	}
	if page.headErr != nil {
		return crawler.HeadInfo{}, page.headErr
	}
	return crawler.HeadInfo{StatusCode: http.StatusOK, LastModified: page.lastModified}, nil
}

func (w *fakeWeb) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	n := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		peak := w.peak.Load()
		if n <= peak || w.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetches[req.URL]++
	page, ok := w.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, crawler.ErrFetchUnavailable)
	}
	if page.fetchErr != nil {
		return crawler.FetchResponse{}, page.fetchErr
	}
	return crawler.FetchResponse{
		URL:          req.URL,
		StatusCode:   http.StatusOK,
		Body:         []byte(page.body),
		UsedHeadless: req.UseHeadless,
	}, nil
}

// flakyEmbedder fails any text containing failOn.
type flakyEmbedder struct {
	next   *hashing.Embedder
	failOn string
	calls  atomic.Int32
}

func newFlakyEmbedder(failOn string) *flakyEmbedder {
	return &flakyEmbedder{next: hashing.New(16), failOn: failOn}
}

func (e *flakyEmbedder) Dimensions() int { return e.next.Dimensions() }

func (e *flakyEmbedder) Embed(ctx context.Context, text string) (crawler.Vector, error) {
	e.calls.Add(1)
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, fmt.Errorf("flaky: %w", crawler.ErrEmbeddingUnavailable)
	}
	return e.next.Embed(ctx, text)
}

// failingStore runs transactions against a memory store but fails
// InsertChunks, so the whole transaction must roll back.
type failingStore struct {
	*memory.Store
	insertErr error
}

func (s *failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Repo) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		return fn(ctx, &failingRepo{Repo: tx, insertErr: s.insertErr})
	})
}

type failingRepo struct {
	crawler.Repo
	insertErr error
}

func (r *failingRepo) InsertChunks(ctx context.Context, pageID string, chunks []crawler.ContentChunk) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.Repo.InsertChunks(ctx, pageID, chunks)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", g.n.Add(1)), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type alwaysPromote struct{}

func (alwaysPromote) ShouldPromote(crawler.FetchResponse) bool { return true }

var errBoom = errors.New("boom")
