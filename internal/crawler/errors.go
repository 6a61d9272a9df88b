package crawler

import "errors"

// Failure taxonomy. Components wrap these with %w and callers branch with errors.Is.
var (
	// ErrFetchUnavailable covers network, timeout, and render failures.
	ErrFetchUnavailable = errors.New("fetch unavailable")
	// ErrEmbeddingUnavailable covers embedding service failures and unusable vectors.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrPersistenceConflict covers duplicate keys and serialization failures.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("not found")
	// ErrQueueFull is returned when the crawl queue has no free slot.
	ErrQueueFull = errors.New("queue full")
)
