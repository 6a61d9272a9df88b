package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// Store is an in-memory crawler.Store for development and tests. Transactions
// run against a private copy of the state that replaces the live state only
// when fn succeeds, so a failed pass leaves nothing behind.
type Store struct {
	mu sync.Mutex
	st *state
}

type state struct {
	sites       map[string]crawler.Site
	siteOrder   []string
	siteByURL   map[string]string
	pages       map[string]crawler.Page
	pageByURL   map[string]string
	chunks      []crawler.ContentChunk
	clients     map[string]crawler.Client
	clientSites map[string][]string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{st: newState()}
}

func newState() *state {
	return &state{
		sites:       make(map[string]crawler.Site),
		siteByURL:   make(map[string]string),
		pages:       make(map[string]crawler.Page),
		pageByURL:   make(map[string]string),
		clients:     make(map[string]crawler.Client),
		clientSites: make(map[string][]string),
	}
}

func (st *state) clone() *state {
	out := &state{
		sites:       maps.Clone(st.sites),
		siteOrder:   slices.Clone(st.siteOrder),
		siteByURL:   maps.Clone(st.siteByURL),
		pages:       maps.Clone(st.pages),
		pageByURL:   maps.Clone(st.pageByURL),
		chunks:      slices.Clone(st.chunks),
		clients:     maps.Clone(st.clients),
		clientSites: make(map[string][]string, len(st.clientSites)),
	}
	for k, v := range st.clientSites {
		out.clientSites[k] = slices.Clone(v)
	}
	return out
}

// InTx runs fn against a snapshot and publishes it only if fn returns nil.
// fn must not call back into the Store itself.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	draft := s.st.clone()
	if err := fn(ctx, &repo{st: draft}); err != nil {
		return err
	}
	s.st = draft
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) with(fn func(r *repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&repo{st: s.st})
}

// GetSiteByURL implements crawler.Repo.
func (s *Store) GetSiteByURL(ctx context.Context, url string) (site crawler.Site, err error) {
	err = s.with(func(r *repo) error { site, err = r.GetSiteByURL(ctx, url); return err })
	return site, err
}

// UpsertSite implements crawler.Repo.
func (s *Store) UpsertSite(ctx context.Context, site crawler.Site) error {
	return s.with(func(r *repo) error { return r.UpsertSite(ctx, site) })
}

// ListSites implements crawler.Repo.
func (s *Store) ListSites(ctx context.Context) (sites []crawler.Site, err error) {
	err = s.with(func(r *repo) error { sites, err = r.ListSites(ctx); return err })
	return sites, err
}

// GetPageByURL implements crawler.Repo.
func (s *Store) GetPageByURL(ctx context.Context, url string) (page crawler.Page, err error) {
	err = s.with(func(r *repo) error { page, err = r.GetPageByURL(ctx, url); return err })
	return page, err
}

// GetPageByID implements crawler.Repo.
func (s *Store) GetPageByID(ctx context.Context, id string) (page crawler.Page, err error) {
	err = s.with(func(r *repo) error { page, err = r.GetPageByID(ctx, id); return err })
	return page, err
}

// UpsertPage implements crawler.Repo.
func (s *Store) UpsertPage(ctx context.Context, page crawler.Page) error {
	return s.with(func(r *repo) error { return r.UpsertPage(ctx, page) })
}

// DeleteChunks implements crawler.Repo.
func (s *Store) DeleteChunks(ctx context.Context, pageID string) (n int64, err error) {
	err = s.with(func(r *repo) error { n, err = r.DeleteChunks(ctx, pageID); return err })
	return n, err
}

// InsertChunks implements crawler.Repo.
func (s *Store) InsertChunks(ctx context.Context, pageID string, chunks []crawler.ContentChunk) error {
	return s.with(func(r *repo) error { return r.InsertChunks(ctx, pageID, chunks) })
}

// ListChunks implements crawler.Repo.
func (s *Store) ListChunks(ctx context.Context, pageID string) (chunks []crawler.ContentChunk, err error) {
	err = s.with(func(r *repo) error { chunks, err = r.ListChunks(ctx, pageID); return err })
	return chunks, err
}

// ListChunkEmbeddings implements crawler.Repo.
func (s *Store) ListChunkEmbeddings(ctx context.Context) (out []crawler.ChunkEmbedding, err error) {
	err = s.with(func(r *repo) error { out, err = r.ListChunkEmbeddings(ctx); return err })
	return out, err
}

// CreateClient implements crawler.Repo.
func (s *Store) CreateClient(ctx context.Context, client crawler.Client) error {
	return s.with(func(r *repo) error { return r.CreateClient(ctx, client) })
}

// GetClient implements crawler.Repo.
func (s *Store) GetClient(ctx context.Context, id string) (client crawler.Client, err error) {
	err = s.with(func(r *repo) error { client, err = r.GetClient(ctx, id); return err })
	return client, err
}

// LinkClientSite implements crawler.Repo.
func (s *Store) LinkClientSite(ctx context.Context, clientID, siteID string) error {
	return s.with(func(r *repo) error { return r.LinkClientSite(ctx, clientID, siteID) })
}

// ListClientSites implements crawler.Repo.
func (s *Store) ListClientSites(ctx context.Context, clientID string) (sites []crawler.Site, err error) {
	err = s.with(func(r *repo) error { sites, err = r.ListClientSites(ctx, clientID); return err })
	return sites, err
}

// repo operates on one state without locking; the caller holds Store.mu.
type repo struct {
	st *state
}

func (r *repo) GetSiteByURL(_ context.Context, url string) (crawler.Site, error) {
	id, ok := r.st.siteByURL[url]
	if !ok {
		return crawler.Site{}, fmt.Errorf("site %q: %w", url, crawler.ErrNotFound)
	}
	return r.st.sites[id], nil
}

func (r *repo) UpsertSite(_ context.Context, site crawler.Site) error {
	if site.ID == "" || site.URL == "" {
		return fmt.Errorf("site id and url are required")
	}
	if owner, ok := r.st.siteByURL[site.URL]; ok && owner != site.ID {
		return fmt.Errorf("site url %q owned by %s: %w", site.URL, owner, crawler.ErrPersistenceConflict)
	}
	prev, exists := r.st.sites[site.ID]
	if !exists {
		r.st.siteOrder = append(r.st.siteOrder, site.ID)
	} else if prev.URL != site.URL {
		delete(r.st.siteByURL, prev.URL)
	}
	r.st.sites[site.ID] = site
	r.st.siteByURL[site.URL] = site.ID
	return nil
}

func (r *repo) ListSites(context.Context) ([]crawler.Site, error) {
	out := make([]crawler.Site, 0, len(r.st.siteOrder))
	for _, id := range r.st.siteOrder {
		out = append(out, r.st.sites[id])
	}
	return out, nil
}

func (r *repo) GetPageByURL(_ context.Context, url string) (crawler.Page, error) {
	id, ok := r.st.pageByURL[url]
	if !ok {
		return crawler.Page{}, fmt.Errorf("page %q: %w", url, crawler.ErrNotFound)
	}
	return copyPage(r.st.pages[id]), nil
}

func (r *repo) GetPageByID(_ context.Context, id string) (crawler.Page, error) {
	page, ok := r.st.pages[id]
	if !ok {
		return crawler.Page{}, fmt.Errorf("page %s: %w", id, crawler.ErrNotFound)
	}
	return copyPage(page), nil
}

func (r *repo) UpsertPage(_ context.Context, page crawler.Page) error {
	if page.ID == "" || page.URL == "" {
		return fmt.Errorf("page id and url are required")
	}
	if _, ok := r.st.sites[page.SiteID]; !ok {
		return fmt.Errorf("page site %s: %w", page.SiteID, crawler.ErrNotFound)
	}
	if owner, ok := r.st.pageByURL[page.URL]; ok && owner != page.ID {
		return fmt.Errorf("page url %q owned by %s: %w", page.URL, owner, crawler.ErrPersistenceConflict)
	}
	if prev, ok := r.st.pages[page.ID]; ok && prev.URL != page.URL {
		delete(r.st.pageByURL, prev.URL)
	}
	r.st.pages[page.ID] = copyPage(page)
	r.st.pageByURL[page.URL] = page.ID
	return nil
}

func (r *repo) DeleteChunks(_ context.Context, pageID string) (int64, error) {
	kept := r.st.chunks[:0:0]
	var removed int64
	for _, c := range r.st.chunks {
		if c.PageID == pageID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	r.st.chunks = kept
	return removed, nil
}

func (r *repo) InsertChunks(_ context.Context, pageID string, chunks []crawler.ContentChunk) error {
	if _, ok := r.st.pages[pageID]; !ok {
		return fmt.Errorf("chunk page %s: %w", pageID, crawler.ErrNotFound)
	}
	seen := make(map[string]struct{}, len(r.st.chunks))
	for _, c := range r.st.chunks {
		seen[c.ID] = struct{}{}
	}
	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk id is required")
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("chunk %s: %w", c.ID, crawler.ErrPersistenceConflict)
		}
		seen[c.ID] = struct{}{}
		c.PageID = pageID
		c.Embedding = slices.Clone(c.Embedding)
		r.st.chunks = append(r.st.chunks, c)
	}
	return nil
}

func (r *repo) ListChunks(_ context.Context, pageID string) ([]crawler.ContentChunk, error) {
	var out []crawler.ContentChunk
	for _, c := range r.st.chunks {
		if c.PageID == pageID {
			c.Embedding = slices.Clone(c.Embedding)
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *repo) ListChunkEmbeddings(context.Context) ([]crawler.ChunkEmbedding, error) {
	out := make([]crawler.ChunkEmbedding, 0, len(r.st.chunks))
	for _, c := range r.st.chunks {
		out = append(out, crawler.ChunkEmbedding{
			ID:        c.ID,
			PageID:    c.PageID,
			Content:   c.Content,
			Embedding: slices.Clone(c.Embedding),
		})
	}
	return out, nil
}

func (r *repo) CreateClient(_ context.Context, client crawler.Client) error {
	if client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	if _, exists := r.st.clients[client.ID]; exists {
		return fmt.Errorf("client %s: %w", client.ID, crawler.ErrPersistenceConflict)
	}
	client.Metadata = maps.Clone(client.Metadata)
	r.st.clients[client.ID] = client
	return nil
}

func (r *repo) GetClient(_ context.Context, id string) (crawler.Client, error) {
	client, ok := r.st.clients[id]
	if !ok {
		return crawler.Client{}, fmt.Errorf("client %s: %w", id, crawler.ErrNotFound)
	}
	client.Metadata = maps.Clone(client.Metadata)
	return client, nil
}

func (r *repo) LinkClientSite(_ context.Context, clientID, siteID string) error {
	if _, ok := r.st.clients[clientID]; !ok {
		return fmt.Errorf("client %s: %w", clientID, crawler.ErrNotFound)
	}
	if _, ok := r.st.sites[siteID]; !ok {
		return fmt.Errorf("site %s: %w", siteID, crawler.ErrNotFound)
	}
	if slices.Contains(r.st.clientSites[clientID], siteID) {
		return nil
	}
	r.st.clientSites[clientID] = append(r.st.clientSites[clientID], siteID)
	return nil
}

func (r *repo) ListClientSites(_ context.Context, clientID string) ([]crawler.Site, error) {
	if _, ok := r.st.clients[clientID]; !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, crawler.ErrNotFound)
	}
	ids := r.st.clientSites[clientID]
	out := make([]crawler.Site, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.st.sites[id])
	}
	return out, nil
}

func copyPage(p crawler.Page) crawler.Page {
	p.Metadata = maps.Clone(p.Metadata)
	return p
}
