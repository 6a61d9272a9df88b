// Package storetest holds a behavioral suite every crawler.Store must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) crawler.Store

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the full Repo contract plus transaction rollback.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("sites", func(t *testing.T) { testSites(t, open(t, newStore)) })
	t.Run("pages", func(t *testing.T) { testPages(t, open(t, newStore)) })
	t.Run("chunks", func(t *testing.T) { testChunks(t, open(t, newStore)) })
	t.Run("clients", func(t *testing.T) { testClients(t, open(t, newStore)) })
	t.Run("tx rollback", func(t *testing.T) { testRollback(t, open(t, newStore)) })
	t.Run("tx commit", func(t *testing.T) { testCommit(t, open(t, newStore)) })
}

func open(t *testing.T, newStore Factory) crawler.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	require.NoError(t, s.Ping(context.Background()))
	return s
}

// Site returns a fixture site.
func Site(id, url string) crawler.Site {
	return crawler.Site{ID: id, URL: url, StartURL: url, CreatedAt: epoch, LastChecked: epoch, LastUpdate: epoch}
}

// Page returns a fixture page.
func Page(id, siteID, url, hash string) crawler.Page {
	return crawler.Page{
		ID:          id,
		SiteID:      siteID,
		URL:         url,
		ContentHash: hash,
		Title:       "Title " + id,
		Metadata:    map[string]string{"source": "fixture"},
		LastChecked: epoch,
		LastUpdate:  epoch,
	}
}

// Chunk returns a fixture chunk.
func Chunk(id, pageID, content string, vec ...float32) crawler.ContentChunk {
	return crawler.ContentChunk{ID: id, PageID: pageID, Content: content, Embedding: vec}
}

func testSites(t *testing.T, s crawler.Store) {
	ctx := context.Background()

	_, err := s.GetSiteByURL(ctx, "https://a.example")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, s.UpsertSite(ctx, Site("s1", "https://a.example")))
	require.NoError(t, s.UpsertSite(ctx, Site("s2", "https://b.example")))

	got, err := s.GetSiteByURL(ctx, "https://a.example")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
	require.True(t, got.CreatedAt.Equal(epoch))

	updated := got
	updated.LastChecked = epoch.Add(time.Hour)
	require.NoError(t, s.UpsertSite(ctx, updated))
	got, err = s.GetSiteByURL(ctx, "https://a.example")
	require.NoError(t, err)
	require.True(t, got.LastChecked.Equal(epoch.Add(time.Hour)))

	err = s.UpsertSite(ctx, Site("s3", "https://a.example"))
	require.ErrorIs(t, err, crawler.ErrPersistenceConflict)

	sites, err := s.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	require.Equal(t, "s1", sites[0].ID)
	require.Equal(t, "s2", sites[1].ID)
}

func testPages(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSite(ctx, Site("s1", "https://a.example")))

	_, err := s.GetPageByURL(ctx, "https://a.example/x")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = s.GetPageByID(ctx, "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	page := Page("p1", "s1", "https://a.example/x", "h1")
	page.AvgUpdateDelta = 42
	require.NoError(t, s.UpsertPage(ctx, page))

	byURL, err := s.GetPageByURL(ctx, page.URL)
	require.NoError(t, err)
	byID, err := s.GetPageByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, byURL.ID, byID.ID)
	require.Equal(t, "h1", byID.ContentHash)
	require.Equal(t, "Title p1", byID.Title)
	require.Equal(t, "fixture", byID.Metadata["source"])
	require.Equal(t, int64(42), byID.AvgUpdateDelta)
	require.True(t, byID.LastUpdate.Equal(epoch))

	page.ContentHash = "h2"
	page.LastUpdate = epoch.Add(time.Minute)
	require.NoError(t, s.UpsertPage(ctx, page))
	byID, err = s.GetPageByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "h2", byID.ContentHash)
	require.True(t, byID.LastUpdate.Equal(epoch.Add(time.Minute)))

	err = s.UpsertPage(ctx, Page("p2", "s1", "https://a.example/x", "h3"))
	require.ErrorIs(t, err, crawler.ErrPersistenceConflict)
}

func testChunks(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSite(ctx, Site("s1", "https://a.example")))
	require.NoError(t, s.UpsertPage(ctx, Page("p1", "s1", "https://a.example/1", "h")))
	require.NoError(t, s.UpsertPage(ctx, Page("p2", "s1", "https://a.example/2", "h")))

	empty, err := s.ListChunkEmbeddings(ctx)
	require.NoError(t, err)
	require.Empty(t, empty)

	err = s.InsertChunks(ctx, "missing", []crawler.ContentChunk{Chunk("c0", "missing", "x", 1)})
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, s.InsertChunks(ctx, "p1", []crawler.ContentChunk{
		Chunk("c1", "p1", "alpha", 1, 0, -0.5),
		Chunk("c2", "p1", "beta", 0.25, 0.125, 3.5),
	}))
	require.NoError(t, s.InsertChunks(ctx, "p2", []crawler.ContentChunk{
		Chunk("c3", "p2", "gamma", 0, 1, 0),
	}))

	all, err := s.ListChunkEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"c1", "c2", "c3"}, []string{all[0].ID, all[1].ID, all[2].ID})
	require.Equal(t, crawler.Vector{0.25, 0.125, 3.5}, all[1].Embedding)
	require.Equal(t, "p2", all[2].PageID)

	err = s.InsertChunks(ctx, "p1", []crawler.ContentChunk{Chunk("c1", "p1", "dup", 1, 1, 1)})
	require.ErrorIs(t, err, crawler.ErrPersistenceConflict)

	p1, err := s.ListChunks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, p1, 2)
	require.Equal(t, "alpha", p1[0].Content)

	n, err := s.DeleteChunks(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	p1, err = s.ListChunks(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, p1)

	n, err = s.DeleteChunks(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, n)

	all, err = s.ListChunkEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "c3", all[0].ID)
}

func testClients(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	client := crawler.Client{
		ID:         "cl1",
		Name:       "Acme",
		Email:      "ops@acme.example",
		WebsiteURL: "https://acme.example",
		Metadata:   map[string]string{"tier": "gold"},
		CreatedAt:  epoch,
	}
	require.NoError(t, s.CreateClient(ctx, client))
	require.ErrorIs(t, s.CreateClient(ctx, client), crawler.ErrPersistenceConflict)

	got, err := s.GetClient(ctx, "cl1")
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Name)
	require.Equal(t, "gold", got.Metadata["tier"])

	_, err = s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, s.UpsertSite(ctx, Site("s1", "https://a.example")))
	require.NoError(t, s.LinkClientSite(ctx, "cl1", "s1"))
	require.NoError(t, s.LinkClientSite(ctx, "cl1", "s1"))
	require.ErrorIs(t, s.LinkClientSite(ctx, "cl1", "missing"), crawler.ErrNotFound)

	sites, err := s.ListClientSites(ctx, "cl1")
	require.NoError(t, err)
	require.Len(t, sites, 1)
	require.Equal(t, "s1", sites[0].ID)
}

func testRollback(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSite(ctx, Site("s1", "https://a.example")))
	require.NoError(t, s.UpsertPage(ctx, Page("p1", "s1", "https://a.example/1", "old")))
	require.NoError(t, s.InsertChunks(ctx, "p1", []crawler.ContentChunk{Chunk("c1", "p1", "old chunk", 1)}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		page, err := tx.GetPageByID(ctx, "p1")
		if err != nil {
			return err
		}
		page.ContentHash = "new"
		if err := tx.UpsertPage(ctx, page); err != nil {
			return err
		}
		if _, err := tx.DeleteChunks(ctx, "p1"); err != nil {
			return err
		}
		return fmt.Errorf("insert chunks: %w", boom)
	})
	require.ErrorIs(t, err, boom)

	page, err := s.GetPageByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "old", page.ContentHash)
	chunks, err := s.ListChunks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "old chunk", chunks[0].Content)
}

func testCommit(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSite(ctx, Site("s1", "https://a.example")))

	err := s.InTx(ctx, func(ctx context.Context, tx crawler.Repo) error {
		if err := tx.UpsertPage(ctx, Page("p1", "s1", "https://a.example/1", "h")); err != nil {
			return err
		}
		seen, err := tx.GetPageByURL(ctx, "https://a.example/1")
		if err != nil {
			return err
		}
		if seen.ID != "p1" {
			return fmt.Errorf("tx did not observe its own write")
		}
		return tx.InsertChunks(ctx, "p1", []crawler.ContentChunk{
			Chunk("c1", "p1", "one", 1, 0),
			Chunk("c2", "p1", "two", 0, 1),
		})
	})
	require.NoError(t, err)

	all, err := s.ListChunkEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
