package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// StoreChunk embeds content and appends it as one new chunk of pageID.
// Unknown pages fail with crawler.ErrNotFound before anything is embedded.
func (p *Pipeline) StoreChunk(ctx context.Context, pageID, content string) (crawler.ContentChunk, error) {
	if strings.TrimSpace(content) == "" {
		return crawler.ContentChunk{}, ErrEmptyContent
	}
	if _, err := p.store.GetPageByID(ctx, pageID); err != nil {
		return crawler.ContentChunk{}, fmt.Errorf("store chunk: %w", err)
	}
	vec, err := p.embedder.Embed(ctx, content)
	if err != nil {
		return crawler.ContentChunk{}, fmt.Errorf("store chunk: %w", err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return crawler.ContentChunk{}, fmt.Errorf("new chunk id: %w", err)
	}
	chunk := crawler.ContentChunk{ID: id, PageID: pageID, Content: content, Embedding: vec}
	if err := p.store.InsertChunks(ctx, pageID, []crawler.ContentChunk{chunk}); err != nil {
		return crawler.ContentChunk{}, fmt.Errorf("store chunk: %w", err)
	}
	return chunk, nil
}
