package crawler

import (
	"net/http"
	"time"
)

// Vector is a fixed-length embedding produced by an Embedder.
type Vector []float32

// Client owns one or more sites. It carries no pipeline logic.
type Client struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	WebsiteURL string            `json:"website_url"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Site is a crawl root.
type Site struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	StartURL    string    `json:"start_url"`
	CreatedAt   time.Time `json:"created_at"`
	LastChecked time.Time `json:"last_checked"`
	LastUpdate  time.Time `json:"last_update"`
}

// Page is a single crawled URL. URL is globally unique.
type Page struct {
	ID          string            `json:"id"`
	SiteID      string            `json:"site_id"`
	URL         string            `json:"url"`
	ContentHash string            `json:"content_hash"`
	Title       string            `json:"title"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastChecked time.Time         `json:"last_checked"`
	LastUpdate  time.Time         `json:"last_update"`
	// AvgUpdateDelta is carried through unchanged; nothing in the pipeline reads it.
	AvgUpdateDelta int64 `json:"avg_update_delta"`
}

// ContentChunk is an immutable slice of page text with its embedding.
type ContentChunk struct {
	ID        string `json:"id"`
	PageID    string `json:"page_id"`
	Content   string `json:"content"`
	Embedding Vector `json:"-"`
}

// ChunkEmbedding is the projection RecallEngine scans.
type ChunkEmbedding struct {
	ID        string
	PageID    string
	Content   string
	Embedding Vector
}

// HeadInfo is the metadata returned by a HEAD precheck.
type HeadInfo struct {
	StatusCode   int
	LastModified string
	ETag         string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// QueueItem is a site crawl waiting for a worker.
type QueueItem struct {
	SiteURL   string
	ClientID  string
	Attempt   int
	Submitted int64
}

// RecallResult is one ranked chunk.
type RecallResult struct {
	Score   float64 `json:"score"`
	Content string  `json:"content"`
	PageID  string  `json:"page_id,omitempty"`
	ChunkID string  `json:"chunk_id,omitempty"`
}

// PageReindexed is the change notification published after a committed re-index.
type PageReindexed struct {
	PageID      string    `json:"page_id"`
	SiteID      string    `json:"site_id"`
	URL         string    `json:"url"`
	Hash        string    `json:"hash"`
	Chunks      int       `json:"chunks"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PartitionKey keys notifications by page so one page's events stay ordered.
func (e PageReindexed) PartitionKey() string { return e.PageID }
