// Package storage holds the snapshot archiver that sits in front of the
// blob store backends in the subpackages.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// DefaultContentType is used for snapshots when none is configured.
const DefaultContentType = "text/html; charset=utf-8"

// SnapshotPath returns the object path for a page snapshot:
// <prefix>/<pageID>/<hash>.html.
func SnapshotPath(prefix, pageID, hash string) string {
	prefix = strings.Trim(prefix, "/")
	name := hash + ".html"
	if prefix == "" {
		return path.Join(pageID, name)
	}
	return path.Join(prefix, pageID, name)
}

// Archiver writes raw page content to a blob store.
type Archiver struct {
	blob        crawler.BlobStore
	prefix      string
	contentType string
}

// NewArchiver wraps blob. A nil blob yields a nil Archiver, which archives nothing.
func NewArchiver(blob crawler.BlobStore, prefix, contentType string) *Archiver {
	if blob == nil {
		return nil
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Archiver{blob: blob, prefix: prefix, contentType: contentType}
}

// Archive stores body and returns the blob URI. Calling it on a nil
// Archiver returns "" and no error.
func (a *Archiver) Archive(ctx context.Context, pageID, hash string, body []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	if pageID == "" || hash == "" {
		return "", fmt.Errorf("archive snapshot: page id and hash are required")
	}
	uri, err := a.blob.PutObject(ctx, SnapshotPath(a.prefix, pageID, hash), a.contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive snapshot for page %s: %w", pageID, err)
	}
	return uri, nil
}
