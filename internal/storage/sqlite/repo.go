package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// repo runs statements against the database or an open transaction.
// Timestamps are stored as Unix nanoseconds.
type repo struct {
	q querier
}

const (
	siteColumns = "id, url, start_url, created_at, last_checked, last_update"
	pageColumns = "id, site_id, url, content_hash, title, metadata, last_checked, last_update, avg_update_delta"
)

type scanner interface {
	Scan(dest ...any) error
}

func (r *repo) GetSiteByURL(ctx context.Context, url string) (crawler.Site, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE url = ?`, url)
	site, err := scanSite(row)
	if err != nil {
		return crawler.Site{}, mapErr("get site "+url, err)
	}
	return site, nil
}

func (r *repo) UpsertSite(ctx context.Context, site crawler.Site) error {
	_, err := r.q.ExecContext(ctx, `
INSERT INTO sites (`+siteColumns+`) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	url = excluded.url,
	start_url = excluded.start_url,
	last_checked = excluded.last_checked,
	last_update = excluded.last_update`,
		site.ID, site.URL, site.StartURL,
		site.CreatedAt.UnixNano(), site.LastChecked.UnixNano(), site.LastUpdate.UnixNano())
	if err != nil {
		return mapErr("upsert site", err)
	}
	return nil
}

func (r *repo) ListSites(ctx context.Context) ([]crawler.Site, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY rowid`)
	if err != nil {
		return nil, mapErr("list sites", err)
	}
	defer rows.Close()

	out := []crawler.Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, mapErr("scan site", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate sites", err)
	}
	return out, nil
}

func (r *repo) GetPageByURL(ctx context.Context, url string) (crawler.Page, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE url = ?`, url)
	page, err := scanPage(row)
	if err != nil {
		return crawler.Page{}, mapErr("get page "+url, err)
	}
	return page, nil
}

func (r *repo) GetPageByID(ctx context.Context, id string) (crawler.Page, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	page, err := scanPage(row)
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
	_, err = r.q.ExecContext(ctx, `
INSERT INTO pages (`+pageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	site_id = excluded.site_id,
	url = excluded.url,
	content_hash = excluded.content_hash,
	title = excluded.title,
	metadata = excluded.metadata,
	last_checked = excluded.last_checked,
	last_update = excluded.last_update,
	avg_update_delta = excluded.avg_update_delta`,
		page.ID, page.SiteID, page.URL, page.ContentHash, page.Title, metadata,
		page.LastChecked.UnixNano(), page.LastUpdate.UnixNano(), page.AvgUpdateDelta)
	if err != nil {
		return mapErr("upsert page", err)
	}
	return nil
}

func (r *repo) DeleteChunks(ctx context.Context, pageID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM content_chunks WHERE page_id = ?`, pageID)
	if err != nil {
		return 0, mapErr("delete chunks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr("delete chunks", err)
	}
	return n, nil
}

func (r *repo) InsertChunks(ctx context.Context, pageID string, chunks []crawler.ContentChunk) error {
	for _, c := range chunks {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO content_chunks (id, page_id, content, embedding) VALUES (?, ?, ?, ?)`,
			c.ID, pageID, c.Content, encodeVector(c.Embedding))
		if err != nil {
			return mapErr("insert chunk "+c.ID, err)
		}
	}
	return nil
}

func (r *repo) ListChunks(ctx context.Context, pageID string) ([]crawler.ContentChunk, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, page_id, content, embedding FROM content_chunks WHERE page_id = ? ORDER BY seq`, pageID)
	if err != nil {
		return nil, mapErr("list chunks", err)
	}
	defer rows.Close()

	var out []crawler.ContentChunk
	for rows.Next() {
		var (
			c    crawler.ContentChunk
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &blob); err != nil {
			return nil, mapErr("scan chunk", err)
		}
		if c.Embedding, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate chunks", err)
	}
	return out, nil
}

func (r *repo) ListChunkEmbeddings(ctx context.Context) ([]crawler.ChunkEmbedding, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, page_id, content, embedding FROM content_chunks ORDER BY seq`)
	if err != nil {
		return nil, mapErr("list chunk embeddings", err)
	}
	defer rows.Close()

	out := []crawler.ChunkEmbedding{}
	for rows.Next() {
		var (
			c    crawler.ChunkEmbedding
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &blob); err != nil {
			return nil, mapErr("scan chunk embedding", err)
		}
		if c.Embedding, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate chunk embeddings", err)
	}
	return out, nil
}

func (r *repo) CreateClient(ctx context.Context, client crawler.Client) error {
	metadata, err := marshalMetadata(client.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO clients (id, name, email, website_url, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.Email, client.WebsiteURL, metadata, client.CreatedAt.UnixNano())
	if err != nil {
		return mapErr("create client", err)
	}
	return nil
}

func (r *repo) GetClient(ctx context.Context, id string) (crawler.Client, error) {
	var (
		c        crawler.Client
		metadata string
		created  int64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, email, website_url, metadata, created_at FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.WebsiteURL, &metadata, &created)
	if err != nil {
		return crawler.Client{}, mapErr("get client "+id, err)
	}
	c.CreatedAt = fromNanos(created)
	if c.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return crawler.Client{}, err
	}
	return c, nil
}

func (r *repo) LinkClientSite(ctx context.Context, clientID, siteID string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO client_sites (client_id, site_id) VALUES (?, ?) ON CONFLICT (client_id, site_id) DO NOTHING`,
		clientID, siteID)
	if err != nil {
		return mapErr("link client site", err)
	}
	return nil
}

func (r *repo) ListClientSites(ctx context.Context, clientID string) ([]crawler.Site, error) {
	if _, err := r.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, `
SELECT s.id, s.url, s.start_url, s.created_at, s.last_checked, s.last_update
FROM client_sites cs JOIN sites s ON s.id = cs.site_id
WHERE cs.client_id = ?
ORDER BY cs.seq`, clientID)
	if err != nil {
		return nil, mapErr("list client sites", err)
	}
	defer rows.Close()

	out := []crawler.Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, mapErr("scan site", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate client sites", err)
	}
	return out, nil
}

func scanSite(row scanner) (crawler.Site, error) {
	var (
		s                         crawler.Site
		created, checked, updated int64
	)
	if err := row.Scan(&s.ID, &s.URL, &s.StartURL, &created, &checked, &updated); err != nil {
		return crawler.Site{}, err
	}
	s.CreatedAt = fromNanos(created)
	s.LastChecked = fromNanos(checked)
	s.LastUpdate = fromNanos(updated)
	return s, nil
}

func scanPage(row scanner) (crawler.Page, error) {
	var (
		p                crawler.Page
		metadata         string
		checked, updated int64
	)
	err := row.Scan(&p.ID, &p.SiteID, &p.URL, &p.ContentHash, &p.Title, &metadata,
		&checked, &updated, &p.AvgUpdateDelta)
	if err != nil {
		return crawler.Page{}, err
	}
	p.LastChecked = fromNanos(checked)
	p.LastUpdate = fromNanos(updated)
	if p.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return crawler.Page{}, err
	}
	return p, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}
