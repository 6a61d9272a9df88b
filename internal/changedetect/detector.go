// Package changedetect decides whether a page needs re-indexing, checking
// HEAD metadata first and falling back to a content hash comparison.
package changedetect

import (
	"context"
	"fmt"
	"net/http"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// Reason explains a Decision.
type Reason string

// Decision reasons.
const (
	ReasonNewPage          Reason = "new_page"
	ReasonContentChanged   Reason = "content_changed"
	ReasonNotModified      Reason = "not_modified"
	ReasonFetchUnavailable Reason = "fetch_unavailable"
	ReasonHashUnchanged    Reason = "hash_unchanged"
)

// Decision is the outcome of Evaluate. Hash and Response are set whenever
// content was fetched; Reindex is true only for new or changed content.
type Decision struct {
	Reindex  bool
	Reason   Reason
	Hash     string
	Response crawler.FetchResponse
	// FetchErr carries the fetch failure behind ReasonFetchUnavailable.
	FetchErr error
}

// ContentFunc fetches the full page content. It is only invoked when the
// HEAD metadata cannot rule out a change.
type ContentFunc func(ctx context.Context) (crawler.FetchResponse, error)

// Detector applies the two-stage change policy.
type Detector struct {
	hasher crawler.Hasher
}

// New builds a Detector around hasher.
func New(hasher crawler.Hasher) *Detector {
	return &Detector{hasher: hasher}
}

// Evaluate decides whether page (nil when the URL has never been indexed)
// must be re-indexed. head is nil when the HEAD precheck failed; that never
// causes a skip on its own. The only returned error is a hashing failure.
func (d *Detector) Evaluate(
	ctx context.Context,
	page *crawler.Page,
	head *crawler.HeadInfo,
	fetch ContentFunc,
) (Decision, error) {
	if NotModifiedSince(page, head) {
		return Decision{Reason: ReasonNotModified}, nil
	}

	resp, err := fetch(ctx)
	if err != nil {
		return Decision{Reason: ReasonFetchUnavailable, FetchErr: err}, nil
	}

	hash, err := d.hasher.Hash(resp.Body)
	if err != nil {
		return Decision{}, fmt.Errorf("hash content: %w", err)
	}
	decision := Decision{Hash: hash, Response: resp}
	switch {
	case page == nil:
		decision.Reindex = true
		decision.Reason = ReasonNewPage
	case page.ContentHash == hash:
		decision.Reason = ReasonHashUnchanged
	default:
		decision.Reindex = true
		decision.Reason = ReasonContentChanged
	}
	return decision, nil
}

// NotModifiedSince reports whether the HEAD metadata proves the page has not
// changed since its last recorded update. Missing or unparseable headers
// never prove anything.
func NotModifiedSince(page *crawler.Page, head *crawler.HeadInfo) bool {
	if page == nil || head == nil || head.LastModified == "" || page.LastUpdate.IsZero() {
		return false
	}
	modified, err := http.ParseTime(head.LastModified)
	if err != nil {
		return false
	}
	return !modified.After(page.LastUpdate)
}
