// Package scheduler periodically enqueues a crawl for every known site.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
)

// SiteLister lists the sites already in the store.
type SiteLister interface {
	ListSites(ctx context.Context) ([]crawler.Site, error)
}

// Scheduler enqueues stored sites plus configured seed URLs on every tick.
type Scheduler struct {
	sites    SiteLister
	queue    crawler.Queue
	seeds    []string
	interval time.Duration
	clock    crawler.Clock
	logger   *zap.Logger
}

// New builds a Scheduler. Invalid seeds are dropped with a warning.
func New(
	sites SiteLister,
	queue crawler.Queue,
	seeds []string,
	interval time.Duration,
	clock crawler.Clock,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	normalized := make([]string, 0, len(seeds))
	for _, s := range seeds {
		u, err := crawler.NormalizeURL(s)
		if err != nil {
			logger.Warn("ignoring invalid seed url", zap.String("url", s), zap.Error(err))
			continue
		}
		normalized = append(normalized, u)
	}
	return &Scheduler{
		sites:    sites,
		queue:    queue,
		seeds:    normalized,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run ticks immediately and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Warn("scheduler disabled: non-positive interval")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick enqueues one round and returns how many items were accepted. A full
// queue ends the round early; the next tick tries again.
func (s *Scheduler) Tick(ctx context.Context) int {
	urls := s.targets(ctx)
	now := s.clock.Now().UnixNano()
	accepted := 0
	for i, u := range urls {
		err := s.queue.Enqueue(ctx, crawler.QueueItem{SiteURL: u, Submitted: now})
		if err == nil {
			accepted++
			continue
		}
		if errors.Is(err, crawler.ErrQueueFull) {
			dropped := len(urls) - i
			for range dropped {
				metrics.ObserveQueueRejected()
			}
			s.logger.Warn("crawl queue full; dropping rest of tick",
				zap.Int("accepted", accepted),
				zap.Int("dropped", dropped),
			)
			break
		}
		s.logger.Warn("enqueue failed", zap.String("url", u), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	s.logger.Debug("scheduler tick", zap.Int("targets", len(urls)), zap.Int("accepted", accepted))
	return accepted
}

// targets merges stored site start URLs with seeds, without duplicates,
// stored sites first.
func (s *Scheduler) targets(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if _, ok := seen[u]; ok || u == "" {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sites, err := s.sites.ListSites(ctx)
	if err != nil {
		s.logger.Warn("list sites failed; using seeds only", zap.Error(err))
	}
	for _, site := range sites {
		add(site.StartURL)
	}
	for _, seed := range s.seeds {
		add(seed)
	}
	return out
}
