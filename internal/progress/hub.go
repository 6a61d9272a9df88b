package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// Sink receives batches of events. Consume may be called concurrently with
// Close from a different Hub, so implementations guard their own state.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to Sink. Close is a no-op.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// Close does nothing.
func (SinkFunc) Close(context.Context) error { return nil }

// Emitter is the side of the Hub the pipeline sees.
type Emitter interface {
	Emit(evt Event)
}

// Config tunes buffering. Zero values take defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = 100
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 500 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 2 * time.Second
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Tally sums the page outcomes reported for one site since the hub started.
type Tally struct {
	Runs    int
	Indexed int
	Skipped int
	Failed  int
	Chunks  int
}

// Hub buffers events from crawl workers and hands them to sinks in batches.
// Emit never blocks. A nil *Hub accepts and discards everything.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropWarn rate.Sometimes
	dropped  atomic.Int64
	closed   atomic.Bool

	mu     sync.Mutex
	totals map[string]*Tally

	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub starts the hub's batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		events:   make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger.Named("progress"),
		dropWarn: rate.Sometimes{Interval: 5 * time.Second},
		totals:   map[string]*Tally{},
	}
	go h.loop()
	return h
}

// Emit queues evt for the sinks. Invalid events are discarded. When the
// buffer is full the event is dropped and counted.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		total := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress buffer full, dropping events", zap.Int64("dropped_total", total))
		})
	}
}

// Dropped reports how many events were lost to a full buffer.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Totals returns a copy of the per-site tallies of delivered events.
func (h *Hub) Totals() map[string]Tally {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Tally, len(h.totals))
	for site, t := range h.totals {
		out[site] = *t
	}
	return out
}

// Close stops intake, flushes what is buffered, closes the sinks and waits
// for all of it or for ctx. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
				ticker.Reset(h.cfg.MaxBatchWait)
			}
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

// drain empties the channel after stop. Emit has already been cut off, so
// the channel only shrinks.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			h.closeSinks()
			h.logTotals()
			return
		}
	}
}

// flush delivers batch to every sink and returns it emptied for reuse.
// Sinks get their own copy since the backing array is recycled.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	h.tally(batch)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, append([]Event(nil), batch...)); err != nil {
			h.logger.Warn("progress sink failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) tally(batch []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, evt := range batch {
		site := evt.Site
		if site == "" {
			site = crawler.Hostname(evt.URL)
		}
		t, ok := h.totals[site]
		if !ok {
			t = &Tally{}
			h.totals[site] = t
		}
		switch evt.Stage {
		case StageSiteStart:
			t.Runs++
		case StagePageIndexed:
			t.Indexed++
			t.Chunks += evt.Chunks
		case StagePageSkipped:
			t.Skipped++
		case StagePageFailed:
			t.Failed++
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) logTotals() {
	for site, t := range h.Totals() {
		h.logger.Info("crawl totals",
			zap.String("site", site),
			zap.Int("runs", t.Runs),
			zap.Int("indexed", t.Indexed),
			zap.Int("skipped", t.Skipped),
			zap.Int("failed", t.Failed),
			zap.Int("chunks", t.Chunks),
		)
	}
}
