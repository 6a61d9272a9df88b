package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// repo runs queries against either the pool or an open transaction.
type repo struct {
	q         querier
	t         tables
	forUpdate bool
}

const (
	siteColumns  = "id, url, start_url, created_at, last_checked, last_update"
	pageColumns  = "id, site_id, url, content_hash, title, metadata, last_checked, last_update, avg_update_delta"
	chunkColumns = "id, page_id, content, embedding"
)

func (r *repo) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func (r *repo) GetSiteByURL(ctx context.Context, url string) (crawler.Site, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1`, siteColumns, r.t.sites)
	site, err := scanSite(r.q.QueryRow(ctx, query, url))
	if err != nil {
		return crawler.Site{}, mapErr("get site "+url, err)
	}
	return site, nil
}

func (r *repo) UpsertSite(ctx context.Context, site crawler.Site) error {
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	start_url = EXCLUDED.start_url,
	last_checked = EXCLUDED.last_checked,
	last_update = EXCLUDED.last_update`, r.t.sites, siteColumns)
	_, err := r.q.Exec(ctx, query,
		site.ID, site.URL, site.StartURL, site.CreatedAt, site.LastChecked, site.LastUpdate)
	if err != nil {
		return mapErr("upsert site", err)
	}
	return nil
}

func (r *repo) ListSites(ctx context.Context) ([]crawler.Site, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at, id`, siteColumns, r.t.sites)
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, mapErr("list sites", err)
	}
	defer rows.Close()
	return collectSites(rows)
}

func (r *repo) GetPageByURL(ctx context.Context, url string) (crawler.Page, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1%s`, pageColumns, r.t.pages, r.lockClause())
	page, err := scanPage(r.q.QueryRow(ctx, query, url))
	if err != nil {
		return crawler.Page{}, mapErr("get page "+url, err)
	}
	return page, nil
}

func (r *repo) GetPageByID(ctx context.Context, id string) (crawler.Page, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1%s`, pageColumns, r.t.pages, r.lockClause())
	page, err := scanPage(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return crawler.Page{}, mapErr("get page "+id, err)
	}
	return page, nil
}

func (r *repo) UpsertPage(ctx context.Context, page crawler.Page) error {
	metadata, err := marshalMetadata(page.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	site_id = EXCLUDED.site_id,
	url = EXCLUDED.url,
	content_hash = EXCLUDED.content_hash,
	title = EXCLUDED.title,
	metadata = EXCLUDED.metadata,
	last_checked = EXCLUDED.last_checked,
	last_update = EXCLUDED.last_update,
	avg_update_delta = EXCLUDED.avg_update_delta`, r.t.pages, pageColumns)
	_, err = r.q.Exec(ctx, query,
		page.ID, page.SiteID, page.URL, page.ContentHash, page.Title, metadata,
		page.LastChecked, page.LastUpdate, page.AvgUpdateDelta)
	if err != nil {
		return mapErr("upsert page", err)
	}
	return nil
}

func (r *repo) DeleteChunks(ctx context.Context, pageID string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE page_id = $1`, r.t.chunks)
	tag, err := r.q.Exec(ctx, query, pageID)
	if err != nil {
		return 0, mapErr("delete chunks", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repo) InsertChunks(ctx context.Context, pageID string, chunks []crawler.ContentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	var (
		values strings.Builder
		args   = make([]any, 0, len(chunks)*4)
	)
	for i, c := range chunks {
		if i > 0 {
			values.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&values, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, c.ID, pageID, c.Content, []float32(c.Embedding))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s`, r.t.chunks, chunkColumns, values.String())
	if _, err := r.q.Exec(ctx, query, args...); err != nil {
		return mapErr("insert chunks", err)
	}
	return nil
}

func (r *repo) ListChunks(ctx context.Context, pageID string) ([]crawler.ContentChunk, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE page_id = $1 ORDER BY seq`, chunkColumns, r.t.chunks)
	rows, err := r.q.Query(ctx, query, pageID)
	if err != nil {
		return nil, mapErr("list chunks", err)
	}
	defer rows.Close()

	var out []crawler.ContentChunk
	for rows.Next() {
		var (
			c   crawler.ContentChunk
			vec []float32
		)
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &vec); err != nil {
			return nil, mapErr("scan chunk", err)
		}
		c.Embedding = vec
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list chunks", err)
	}
	return out, nil
}

func (r *repo) ListChunkEmbeddings(ctx context.Context) ([]crawler.ChunkEmbedding, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY seq`, chunkColumns, r.t.chunks)
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, mapErr("list chunk embeddings", err)
	}
	defer rows.Close()

	out := []crawler.ChunkEmbedding{}
	for rows.Next() {
		var (
			c   crawler.ChunkEmbedding
			vec []float32
		)
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &vec); err != nil {
			return nil, mapErr("scan chunk embedding", err)
		}
		c.Embedding = vec
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list chunk embeddings", err)
	}
	return out, nil
}

func (r *repo) CreateClient(ctx context.Context, client crawler.Client) error {
	metadata, err := marshalMetadata(client.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, name, email, website_url, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, r.t.clients)
	_, err = r.q.Exec(ctx, query,
		client.ID, client.Name, client.Email, client.WebsiteURL, metadata, client.CreatedAt)
	if err != nil {
		return mapErr("create client", err)
	}
	return nil
}

func (r *repo) GetClient(ctx context.Context, id string) (crawler.Client, error) {
	query := fmt.Sprintf(`SELECT id, name, email, website_url, metadata, created_at FROM %s WHERE id = $1`, r.t.clients)
	var (
		c        crawler.Client
		metadata []byte
	)
	err := r.q.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Email, &c.WebsiteURL, &metadata, &c.CreatedAt)
	if err != nil {
		return crawler.Client{}, mapErr("get client "+id, err)
	}
	if c.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return crawler.Client{}, err
	}
	return c, nil
}

func (r *repo) LinkClientSite(ctx context.Context, clientID, siteID string) error {
	query := fmt.Sprintf(`
INSERT INTO %s (client_id, site_id) VALUES ($1, $2)
ON CONFLICT (client_id, site_id) DO NOTHING`, r.t.clientSites)
	if _, err := r.q.Exec(ctx, query, clientID, siteID); err != nil {
		return mapErr("link client site", err)
	}
	return nil
}

func (r *repo) ListClientSites(ctx context.Context, clientID string) ([]crawler.Site, error) {
	if _, err := r.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT s.id, s.url, s.start_url, s.created_at, s.last_checked, s.last_update
FROM %s cs JOIN %s s ON s.id = cs.site_id
WHERE cs.client_id = $1
ORDER BY cs.seq`, r.t.clientSites, r.t.sites)
	rows, err := r.q.Query(ctx, query, clientID)
	if err != nil {
		return nil, mapErr("list client sites", err)
	}
	defer rows.Close()
	return collectSites(rows)
}

func scanSite(row pgx.Row) (crawler.Site, error) {
	var s crawler.Site
	err := row.Scan(&s.ID, &s.URL, &s.StartURL, &s.CreatedAt, &s.LastChecked, &s.LastUpdate)
	return s, err
}

func collectSites(rows pgx.Rows) ([]crawler.Site, error) {
	out := []crawler.Site{}
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, mapErr("scan site", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate sites", err)
	}
	return out, nil
}

func scanPage(row pgx.Row) (crawler.Page, error) {
	var (
		p        crawler.Page
		metadata []byte
		checked  time.Time
		updated  time.Time
	)
	err := row.Scan(&p.ID, &p.SiteID, &p.URL, &p.ContentHash, &p.Title, &metadata,
		&checked, &updated, &p.AvgUpdateDelta)
	if err != nil {
		return crawler.Page{}, err
	}
	p.LastChecked = checked.UTC()
	p.LastUpdate = updated.UTC()
	if p.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return crawler.Page{}, err
	}
	return p, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}
