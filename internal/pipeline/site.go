package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
	"github.com/JakeFAU/recall-crawler/internal/progress"
)

// SiteResult is the outcome of one crawl pass over a site.
type SiteResult struct {
	Site crawler.Site `json:"site"`
	Page Result       `json:"page"`
	Err  error        `json:"-"`
}

// EnsureSite returns the site rooted at startURL, creating it on first use.
func (p *Pipeline) EnsureSite(ctx context.Context, startURL string) (crawler.Site, error) {
	url, err := crawler.NormalizeURL(startURL)
	if err != nil {
		return crawler.Site{}, fmt.Errorf("ensure site: %w", err)
	}
	site, err := p.store.GetSiteByURL(ctx, url)
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Site{}, fmt.Errorf("load site: %w", err)
	}

	id, err := p.ids.NewID()
	if err != nil {
		return crawler.Site{}, fmt.Errorf("new site id: %w", err)
	}
	now := p.clock.Now()
	err = p.store.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		existing, err := tx.GetSiteByURL(ctx, url)
		if err == nil {
			site = existing
			return nil
		}
		if !errors.Is(err, crawler.ErrNotFound) {
			return err
		}
		site = crawler.Site{
			ID:          id,
			URL:         url,
			StartURL:    url,
			CreatedAt:   now,
			LastChecked: now,
			LastUpdate:  now,
		}
		return tx.UpsertSite(ctx, site)
	})
	if errors.Is(err, crawler.ErrPersistenceConflict) {
		// Lost a creation race; the winner's row is authoritative.
		if site, err = p.store.GetSiteByURL(ctx, url); err == nil {
			return site, nil
		}
	}
	if err != nil {
		return crawler.Site{}, fmt.Errorf("create site: %w", err)
	}
	return site, nil
}

// CrawlSite ensures the site exists, indexes its start URL, and records the
// pass on the site row.
func (p *Pipeline) CrawlSite(ctx context.Context, startURL string) (SiteResult, error) {
	site, err := p.EnsureSite(ctx, startURL)
	if err != nil {
		return SiteResult{}, err
	}
	runID := progress.NewRunID()
	host := crawler.Hostname(site.URL)
	start := time.Now()
	p.emit(progress.Event{RunID: runID, Stage: progress.StageSiteStart, Site: host, URL: site.StartURL})

	res, pageErr := p.indexPage(ctx, site, site.StartURL, runID)

	now := p.clock.Now()
	err = p.store.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		current, err := tx.GetSiteByURL(ctx, site.URL)
		if err != nil {
			return err
		}
		current.LastChecked = now
		if res.Updated {
			current.LastUpdate = now
		}
		site = current
		return tx.UpsertSite(ctx, current)
	})
	if err != nil {
		p.logger.Warn("update site failed", zap.String("site_id", site.ID), zap.Error(err))
	}

	outcome := "unchanged"
	switch {
	case pageErr != nil:
		outcome = "failed"
	case res.Updated:
		outcome = "updated"
	}
	p.emit(progress.Event{
		RunID:  runID,
		Stage:  progress.StageSiteDone,
		Site:   host,
		URL:    site.StartURL,
		PageID: res.PageID,
		Chunks: res.Chunks,
		Reason: outcome,
		Dur:    time.Since(start),
	})
	return SiteResult{Site: site, Page: res, Err: pageErr}, pageErr
}

// CrawlSites crawls urls with at most Config.Workers passes in flight.
// Per-site failures are reported in the results; the returned error is only
// set when ctx ends first.
func (p *Pipeline) CrawlSites(ctx context.Context, urls []string) ([]SiteResult, error) {
	results := make([]SiteResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, u := range urls {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			res, err := p.CrawlSite(gctx, u)
			if err != nil {
				res.Err = err
				if res.Page.URL == "" {
					res.Page.URL = u
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("crawl sites: %w", err)
	}
	return results, nil
}
