// Package recall answers nearest-neighbor queries over every stored chunk
// embedding with an exact cosine-similarity scan.
package recall

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
)

// DefaultTopK caps results when no limit is configured.
const DefaultTopK = 5

// ErrEmptyQuery rejects blank queries before they reach the embedder.
var ErrEmptyQuery = errors.New("query is empty")

// Engine ranks stored chunks against a query.
type Engine struct {
	chunks   crawler.ChunkReader
	embedder crawler.Embedder
	topK     int
	logger   *zap.Logger
}

// New builds an Engine. topK <= 0 selects DefaultTopK.
func New(chunks crawler.ChunkReader, embedder crawler.Embedder, topK int, logger *zap.Logger) *Engine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		chunks:   chunks,
		embedder: embedder,
		topK:     topK,
		logger:   logger.Named("recall"),
	}
}

// TopK reports the result limit.
func (e *Engine) TopK() int {
	return e.topK
}

// Recall embeds query and returns at most TopK chunks, best first. Equal
// scores keep store insertion order. An empty store yields an empty,
// non-nil slice.
func (e *Engine) Recall(ctx context.Context, query string) ([]crawler.RecallResult, error) {
	start := time.Now()
	if strings.TrimSpace(query) == "" {
		metrics.ObserveRecall("invalid", -1, time.Since(start))
		return nil, ErrEmptyQuery
	}
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		metrics.ObserveRecall("embedding_unavailable", -1, time.Since(start))
		return nil, fmt.Errorf("embed query: %w", err)
	}
	all, err := e.chunks.ListChunkEmbeddings(ctx)
	if err != nil {
		metrics.ObserveRecall("error", -1, time.Since(start))
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	results := make([]crawler.RecallResult, 0, len(all))
	skipped := 0
	for _, c := range all {
		if len(c.Embedding) != len(qvec) || !finite(c.Embedding) {
			skipped++
			continue
		}
		results = append(results, crawler.RecallResult{
			Score:   Cosine(qvec, c.Embedding),
			Content: c.Content,
			PageID:  c.PageID,
			ChunkID: c.ID,
		})
	}
	if skipped > 0 {
		e.logger.Warn("skipped malformed chunk embeddings",
			zap.Int("skipped", skipped),
			zap.Int("query_dims", len(qvec)),
		)
	}

	slices.SortStableFunc(results, func(a, b crawler.RecallResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(results) > e.topK {
		results = results[:e.topK]
	}
	metrics.ObserveRecall("ok", len(all), time.Since(start))
	return results, nil
}

// Cosine returns the cosine similarity of a and b computed in float64.
// Vectors of different length, or with zero norm, score 0.
func Cosine(a, b crawler.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	score := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(score) {
		return 0
	}
	return score
}

func finite(v crawler.Vector) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
