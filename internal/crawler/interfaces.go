package crawler

import (
	"context"
	"io"
	"time"
)

// Repo is the set of store operations usable both directly and inside a transaction.
type Repo interface {
	GetSiteByURL(ctx context.Context, url string) (Site, error)
	UpsertSite(ctx context.Context, site Site) error
	ListSites(ctx context.Context) ([]Site, error)

	GetPageByURL(ctx context.Context, url string) (Page, error)
	GetPageByID(ctx context.Context, id string) (Page, error)
	UpsertPage(ctx context.Context, page Page) error

	DeleteChunks(ctx context.Context, pageID string) (int64, error)
	InsertChunks(ctx context.Context, pageID string, chunks []ContentChunk) error
	ListChunks(ctx context.Context, pageID string) ([]ContentChunk, error)
	// ListChunkEmbeddings returns every chunk in insertion order.
	ListChunkEmbeddings(ctx context.Context) ([]ChunkEmbedding, error)

	CreateClient(ctx context.Context, client Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	LinkClientSite(ctx context.Context, clientID, siteID string) error
	ListClientSites(ctx context.Context, clientID string) ([]Site, error)
}

// Store persists sites, pages, and chunks. Writes grouped in InTx commit or
// roll back together; fn must only use the Repo it is handed.
type Store interface {
	Repo
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repo) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ChunkReader is the read side RecallEngine needs.
type ChunkReader interface {
	ListChunkEmbeddings(ctx context.Context) ([]ChunkEmbedding, error)
}

// HeadFetcher performs metadata-only requests.
type HeadFetcher interface {
	Head(ctx context.Context, url string) (HeadInfo, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Embedder maps text to a fixed-length vector. Failures wrap ErrEmbeddingUnavailable.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dimensions() int
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for site crawls.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RetryPolicy decides whether and when a failed call is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
