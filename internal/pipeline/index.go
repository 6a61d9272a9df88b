package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/changedetect"
	"github.com/JakeFAU/recall-crawler/internal/chunker"
	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/extract"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
	"github.com/JakeFAU/recall-crawler/internal/progress"
)

// Page metadata keys written by the pipeline.
const (
	MetaSnapshotURI  = "snapshot_uri"
	MetaETag         = "etag"
	MetaLastModified = "last_modified"
	MetaHeadless     = "headless"
)

// ReasonConcurrentUpdate marks a pass whose transaction found the same hash
// already committed by another writer.
const ReasonConcurrentUpdate changedetect.Reason = "concurrent_update"

// Result summarizes one page pass.
type Result struct {
	URL           string              `json:"url"`
	Updated       bool                `json:"updated"`
	Reason        changedetect.Reason `json:"reason"`
	PageID        string              `json:"page_id,omitempty"`
	Chunks        int                 `json:"chunks"`
	SkippedChunks int                 `json:"skipped_chunks"`
}

// IndexPage runs one pass over rawURL for site. Skips are not errors; the
// returned error reports failures that left the page untouched.
func (p *Pipeline) IndexPage(ctx context.Context, site crawler.Site, rawURL string) (Result, error) {
	return p.indexPage(ctx, site, rawURL, [16]byte{})
}

func (p *Pipeline) indexPage(ctx context.Context, site crawler.Site, rawURL string, runID [16]byte) (Result, error) {
	url, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return Result{URL: rawURL}, fmt.Errorf("index page: %w", err)
	}
	if runID == [16]byte{} {
		runID = progress.NewRunID()
	}
	unlock := p.locks.lock(url)
	defer unlock()

	start := time.Now()
	host := crawler.Hostname(url)
	logger := p.logger.With(zap.String("url", url), zap.String("site_id", site.ID))

	res, err := p.runPass(ctx, site, url, logger)
	res.URL = url
	evt := progress.Event{
		RunID:  runID,
		Site:   host,
		URL:    url,
		PageID: res.PageID,
		Reason: string(res.Reason),
		Dur:    time.Since(start),
	}
	switch {
	case err != nil:
		metrics.ObservePage(url, "failed", 0)
		evt.Stage = progress.StagePageFailed
		evt.Note = err.Error()
		logger.Warn("page pass failed", zap.Error(err))
	case res.Updated:
		evt.Stage = progress.StagePageIndexed
		evt.Chunks = res.Chunks
	default:
		metrics.ObservePage(url, "skipped", 0)
		evt.Stage = progress.StagePageSkipped
		logger.Debug("page skipped", zap.String("reason", string(res.Reason)))
	}
	p.emit(evt)
	return res, err
}

func (p *Pipeline) runPass(ctx context.Context, site crawler.Site, url string, logger *zap.Logger) (Result, error) {
	page, err := p.loadPage(ctx, url)
	if err != nil {
		return Result{}, err
	}

	head := p.headMetadata(ctx, url, logger)
	decision, err := p.detector.Evaluate(ctx, page, head, func(ctx context.Context) (crawler.FetchResponse, error) {
		return p.fetchContent(ctx, url, logger)
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Reason: decision.Reason}
	if page != nil {
		res.PageID = page.ID
	}
	if decision.FetchErr != nil {
		logger.Warn("content fetch unavailable; skipping", zap.Error(decision.FetchErr))
	}
	if !decision.Reindex {
		if page != nil {
			p.touchPage(ctx, url, logger)
		}
		return res, nil
	}
	return p.reindex(ctx, site, url, page, head, decision, logger)
}

func (p *Pipeline) loadPage(ctx context.Context, url string) (*crawler.Page, error) {
	page, err := p.store.GetPageByURL(ctx, url)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	return &page, nil
}

// headMetadata returns nil when the HEAD precheck gives nothing usable.
func (p *Pipeline) headMetadata(ctx context.Context, url string, logger *zap.Logger) *crawler.HeadInfo {
	info, err := p.head.Head(ctx, url)
	if err != nil {
		logger.Debug("head precheck unavailable", zap.Error(err))
		return nil
	}
	if info.StatusCode >= 400 {
		return nil
	}
	return &info
}

func (p *Pipeline) fetchContent(ctx context.Context, url string, logger *zap.Logger) (crawler.FetchResponse, error) {
	if p.cfg.HeadlessAlways && p.headless != nil {
		return p.fetchHeadless(ctx, url)
	}
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch content: %w", err)
	}
	if p.headless == nil || p.promoter == nil || !p.promoter.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := p.fetchHeadless(ctx, url)
	if err != nil {
		logger.Warn("headless promotion failed; using static body", zap.Error(err))
		return resp, nil
	}
	logger.Debug("headless promotion applied")
	return rendered, nil
}

func (p *Pipeline) fetchHeadless(ctx context.Context, url string) (crawler.FetchResponse, error) {
	resp, err := p.headless.Fetch(ctx, crawler.FetchRequest{URL: url, UseHeadless: true})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("headless fetch: %w", err)
	}
	resp.UsedHeadless = true
	return resp, nil
}

// touchPage records that a skipped page was checked. Failures only log.
func (p *Pipeline) touchPage(ctx context.Context, url string, logger *zap.Logger) {
	now := p.clock.Now()
	err := p.store.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		page, err := tx.GetPageByURL(ctx, url)
		if err != nil {
			return err
		}
		page.LastChecked = now
		return tx.UpsertPage(ctx, page)
	})
	if err != nil {
		logger.Warn("update last checked failed", zap.Error(err))
	}
}

func (p *Pipeline) reindex(
	ctx context.Context,
	site crawler.Site,
	url string,
	prior *crawler.Page,
	head *crawler.HeadInfo,
	decision changedetect.Decision,
	logger *zap.Logger,
) (Result, error) {
	res := Result{Reason: decision.Reason}
	pageID, err := p.pageID(prior)
	if err != nil {
		return res, err
	}
	res.PageID = pageID

	body := decision.Response.Body
	title, text := p.readable(decision.Response, logger)
	chunks, skipped, err := p.embedSegments(ctx, pageID, chunker.Chunk(text, p.cfg.ChunkMaxTokens), logger)
	res.SkippedChunks = skipped
	if err != nil {
		return res, err
	}

	metadata := map[string]string{}
	if prior != nil {
		maps.Copy(metadata, prior.Metadata)
	}
	if head != nil {
		setOrDelete(metadata, MetaETag, head.ETag)
		setOrDelete(metadata, MetaLastModified, head.LastModified)
	}
	if decision.Response.UsedHeadless {
		metadata[MetaHeadless] = "true"
	} else {
		delete(metadata, MetaHeadless)
	}
	if uri, err := p.archiver.Archive(ctx, pageID, decision.Hash, body); err != nil {
		logger.Warn("snapshot archive failed", zap.Error(err))
	} else if uri != "" {
		metadata[MetaSnapshotURI] = uri
	}

	now := p.clock.Now()
	concurrent := false
	err = p.store.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		current, err := tx.GetPageByURL(ctx, url)
		switch {
		case errors.Is(err, crawler.ErrNotFound):
			current = crawler.Page{}
		case err != nil:
			return err
		}
		if current.ID != "" && current.ContentHash == decision.Hash {
			concurrent = true
			pageID = current.ID
			current.LastChecked = now
			return tx.UpsertPage(ctx, current)
		}
		if current.ID != "" && current.ID != pageID {
			// Another process created the row after our initial read.
			pageID = current.ID
			for i := range chunks {
				chunks[i].PageID = pageID
			}
		}
		page := crawler.Page{
			ID:             pageID,
			SiteID:         site.ID,
			URL:            url,
			ContentHash:    decision.Hash,
			Title:          title,
			Metadata:       metadata,
			LastChecked:    now,
			LastUpdate:     now,
			AvgUpdateDelta: current.AvgUpdateDelta,
		}
		if err := tx.UpsertPage(ctx, page); err != nil {
			return err
		}
		if _, err := tx.DeleteChunks(ctx, pageID); err != nil {
			return err
		}
		return tx.InsertChunks(ctx, pageID, chunks)
	})
	if err != nil {
		if errors.Is(err, crawler.ErrPersistenceConflict) {
			logger.Warn("persistence conflict; pass rolled back", zap.Error(err))
		}
		return res, fmt.Errorf("persist page: %w", err)
	}
	res.PageID = pageID
	if concurrent {
		res.Reason = ReasonConcurrentUpdate
		return res, nil
	}

	res.Updated = true
	res.Chunks = len(chunks)
	metrics.ObservePage(url, "indexed", len(body))
	metrics.ObserveChunks(len(chunks), skipped)
	logger.Info("page indexed",
		zap.String("page_id", pageID),
		zap.String("reason", string(decision.Reason)),
		zap.Int("chunks", len(chunks)),
		zap.Int("skipped_chunks", skipped),
	)
	p.publish(ctx, crawler.PageReindexed{
		PageID:      pageID,
		SiteID:      site.ID,
		URL:         url,
		Hash:        decision.Hash,
		Chunks:      len(chunks),
		SnapshotURI: metadata[MetaSnapshotURI],
		Timestamp:   now,
	}, logger)
	return res, nil
}

func (p *Pipeline) pageID(prior *crawler.Page) (string, error) {
	if prior != nil {
		return prior.ID, nil
	}
	id, err := p.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new page id: %w", err)
	}
	return id, nil
}

// readable returns the title and the text to chunk.
func (p *Pipeline) readable(resp crawler.FetchResponse, logger *zap.Logger) (string, string) {
	if !p.cfg.ExtractText || !isHTML(resp) {
		return "", string(resp.Body)
	}
	doc, err := extract.HTML(resp.Body)
	if err != nil {
		logger.Debug("text extraction failed; chunking raw body", zap.Error(err))
		return "", string(resp.Body)
	}
	return doc.Title, doc.Text
}

// embedSegments embeds each segment in order. Segments whose embedding fails
// are dropped; if every segment fails the pass aborts.
func (p *Pipeline) embedSegments(
	ctx context.Context,
	pageID string,
	segments []string,
	logger *zap.Logger,
) ([]crawler.ContentChunk, int, error) {
	chunks := make([]crawler.ContentChunk, 0, len(segments))
	var lastErr error
	for i, segment := range segments {
		vec, err := p.embedder.Embed(ctx, segment)
		if err != nil {
			if ctx.Err() != nil {
				return nil, len(segments) - len(chunks), fmt.Errorf("embed segments: %w", ctx.Err())
			}
			lastErr = err
			logger.Warn("segment embedding failed; skipping", zap.Int("segment", i), zap.Error(err))
			continue
		}
		id, err := p.ids.NewID()
		if err != nil {
			return nil, 0, fmt.Errorf("new chunk id: %w", err)
		}
		chunks = append(chunks, crawler.ContentChunk{
			ID:        id,
			PageID:    pageID,
			Content:   segment,
			Embedding: vec,
		})
	}
	skipped := len(segments) - len(chunks)
	if len(segments) > 0 && len(chunks) == 0 {
		return nil, skipped, fmt.Errorf("embed segments: all %d failed: %w", skipped, lastErr)
	}
	return chunks, skipped, nil
}

func (p *Pipeline) publish(ctx context.Context, evt crawler.PageReindexed, logger *zap.Logger) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, evt); err != nil {
		logger.Warn("publish change notification failed", zap.Error(err))
	}
}

func isHTML(resp crawler.FetchResponse) bool {
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		return strings.Contains(strings.ToLower(ct), "html")
	}
	return bytes.HasPrefix(bytes.TrimSpace(resp.Body), []byte("<"))
}

func setOrDelete(m map[string]string, key, value string) {
	if value == "" {
		delete(m, key)
		return
	}
	m[key] = value
}
