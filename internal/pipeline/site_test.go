package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/progress"
)

func TestEnsureSiteCreatesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.p.EnsureSite(ctx, "HTTPS://Example.com/docs#top")
	require.NoError(t, err)
	require.Equal(t, pageURL, first.URL)
	require.Equal(t, f.clock.Now(), first.CreatedAt)
	require.Equal(t, first.CreatedAt, first.LastChecked)
	require.Equal(t, first.CreatedAt, first.LastUpdate)

	again, err := f.p.EnsureSite(ctx, pageURL)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	sites, err := f.store.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
}

func TestEnsureSiteBareHostIsRoot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	bare, err := f.p.EnsureSite(ctx, "https://example.com")
	require.NoError(t, err)
	slash, err := f.p.EnsureSite(ctx, "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, bare.ID, slash.ID)
	require.Equal(t, "https://example.com/", bare.URL)
}

func TestCrawlSiteUpdatesSiteTimestamps(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.web.set(pageURL, fakePage{body: "alpha beta"})
	ctx := context.Background()

	res, err := f.p.CrawlSite(ctx, pageURL)
	require.NoError(t, err)
	require.True(t, res.Page.Updated)
	created := res.Site.CreatedAt

	f.clock.Advance(time.Hour)
	res, err = f.p.CrawlSite(ctx, pageURL)
	require.NoError(t, err)
	require.False(t, res.Page.Updated)
	require.Equal(t, f.clock.Now(), res.Site.LastChecked)
	require.Equal(t, created, res.Site.LastUpdate)

	f.web.set(pageURL, fakePage{body: "gamma delta"})
	f.clock.Advance(time.Hour)
	res, err = f.p.CrawlSite(ctx, pageURL)
	require.NoError(t, err)
	require.True(t, res.Page.Updated)
	require.Equal(t, f.clock.Now(), res.Site.LastUpdate)

	require.Equal(t, []progress.Stage{
		progress.StageSiteStart, progress.StagePageIndexed, progress.StageSiteDone,
		progress.StageSiteStart, progress.StagePageSkipped, progress.StageSiteDone,
		progress.StageSiteStart, progress.StagePageIndexed, progress.StageSiteDone,
	}, f.events.stages())
}

func TestCrawlSitesBoundedAndIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.web.delay = 20 * time.Millisecond
	var urls []string
	for i := range 6 {
		u := fmt.Sprintf("https://site%d.example.com/", i)
		urls = append(urls, u)
		f.web.set(u, fakePage{body: fmt.Sprintf("page %d\n\nwords here", i)})
	}
	urls = append(urls, "not a url")

	results, err := f.p.CrawlSites(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, results, 7)
	for _, r := range results[:6] {
		require.NoError(t, r.Err)
		require.True(t, r.Page.Updated)
	}
	require.Error(t, results[6].Err)
	require.LessOrEqual(t, f.web.peak.Load(), int32(2))

	all, err := f.store.ListChunkEmbeddings(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 12)
}

func TestCrawlSitesCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.p.CrawlSites(ctx, []string{pageURL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestStoreChunk(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.web.set(pageURL, fakePage{body: "alpha beta"})
	ctx := context.Background()
	res, err := f.p.CrawlSite(ctx, pageURL)
	require.NoError(t, err)

	chunk, err := f.p.StoreChunk(ctx, res.Page.PageID, "manual note")
	require.NoError(t, err)
	require.Equal(t, res.Page.PageID, chunk.PageID)
	require.Len(t, chunk.Embedding, f.embedder.Dimensions())

	chunks, err := f.store.ListChunks(ctx, res.Page.PageID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "manual note", chunks[1].Content)

	_, err = f.p.StoreChunk(ctx, "missing", "text")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = f.p.StoreChunk(ctx, res.Page.PageID, "   ")
	require.ErrorIs(t, err, ErrEmptyContent)
}

func TestStoreChunkEmbeddingFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(_ *Config, d *Deps) {
		d.Embedder = newFlakyEmbedder("poison")
	})
	f.web.set(pageURL, fakePage{body: "alpha beta"})
	res, err := f.p.CrawlSite(context.Background(), pageURL)
	require.NoError(t, err)

	_, err = f.p.StoreChunk(context.Background(), res.Page.PageID, "poison")
	require.ErrorIs(t, err, crawler.ErrEmbeddingUnavailable)
	chunks, err := f.store.ListChunks(context.Background(), res.Page.PageID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}
