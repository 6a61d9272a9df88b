// Package hashing is an offline embedder that projects word features into a
// fixed-size vector with the hashing trick. Texts sharing vocabulary land
// close together, which is enough for local development and tests.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// DefaultDimensions is used when New is given a non-positive size.
const DefaultDimensions = 256

// Embedder implements crawler.Embedder without network access.
type Embedder struct {
	dims int
}

// New builds an Embedder producing dims-length vectors.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dims: dims}
}

// Dimensions returns the vector size.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Embed returns an L2-normalized bag-of-words vector. Text without any word
// characters has no meaningful direction and is reported as unavailable.
func (e *Embedder) Embed(ctx context.Context, text string) (crawler.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("hashing: %w: %w", crawler.ErrEmbeddingUnavailable, err)
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return nil, fmt.Errorf("hashing: %w: %w", crawler.ErrEmbeddingUnavailable,
			crawler.Permanent(fmt.Errorf("text has no words")))
	}
	acc := make([]float64, e.dims)
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			acc[bucket]--
		} else {
			acc[bucket]++
		}
	}
	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make(crawler.Vector, e.dims)
	if norm == 0 {
		// Opposite-signed collisions cancelled every feature.
		return out, nil
	}
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out, nil
}
