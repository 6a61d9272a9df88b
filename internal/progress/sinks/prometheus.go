package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/recall-crawler/internal/progress"
)

// PrometheusSink exports crawl progress: site passes started, completed and
// running, plus per-site page outcomes and stored chunks.
type PrometheusSink struct {
	passesStarted   prometheus.Counter
	passesCompleted *prometheus.CounterVec
	passesRunning   prometheus.Gauge
	passRuntime     prometheus.Histogram

	pageOutcomes *prometheus.CounterVec
	chunksStored *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		passesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_site_passes_started_total",
			Help: "Site crawl passes that have started.",
		}),
		passesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_site_passes_completed_total",
			Help: "Site crawl passes completed, partitioned by whether the start page changed.",
		}, []string{"result"}),
		passesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_site_passes_running",
			Help: "Site crawl passes currently in flight.",
		}),
		passRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "progress_site_pass_duration_seconds",
			Help:    "Wall time per completed site pass.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		pageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_pages_total",
			Help: "Page passes partitioned by site, stage and reason.",
		}, []string{"site", "stage", "reason"}),
		chunksStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_chunks_stored_total",
			Help: "Chunks written by re-indexed pages, per site.",
		}, []string{"site"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_page_duration_seconds",
			Help:    "Page pass duration partitioned by stage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.passesStarted,
		s.passesCompleted,
		s.passesRunning,
		s.passRuntime,
		s.pageOutcomes,
		s.chunksStored,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSiteStart:
		s.passesStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.passesRunning.Inc()
		}
	case progress.StageSiteDone:
		result := "unchanged"
		if evt.Reason != "" {
			result = evt.Reason
		}
		s.passesCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.passRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.passesRunning.Dec()
		}
	case progress.StagePageSkipped, progress.StagePageIndexed, progress.StagePageFailed:
		s.handlePageEvent(evt)
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	reason := evt.Reason
	if reason == "" {
		reason = "none"
	}
	s.pageOutcomes.WithLabelValues(site, string(evt.Stage), reason).Inc()
	if evt.Stage == progress.StagePageIndexed && evt.Chunks > 0 {
		s.chunksStored.WithLabelValues(site).Add(float64(evt.Chunks))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(string(evt.Stage)).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
