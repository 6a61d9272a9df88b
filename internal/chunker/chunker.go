// Package chunker splits page text into bounded-size segments along
// paragraph boundaries. Word count stands in for token count.
package chunker

import "strings"

// DefaultMaxTokens is the segment budget used when none is configured.
const DefaultMaxTokens = 1200

// ParagraphSeparator joins paragraphs inside a segment.
const ParagraphSeparator = "\n\n"

// Chunk groups the paragraphs of content into segments of at most maxTokens
// words. A paragraph larger than maxTokens is never split; it becomes its own
// segment. Segments are returned in source order. Blank paragraphs are
// dropped, so empty input yields nil.
func Chunk(content string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	var (
		segments []string
		current  []string
		tokens   int
	)
	for _, para := range Paragraphs(content) {
		n := CountTokens(para)
		if tokens+n > maxTokens && len(current) > 0 {
			segments = append(segments, strings.Join(current, ParagraphSeparator))
			current = current[:0]
			tokens = 0
		}
		current = append(current, para)
		tokens += n
	}
	if len(current) > 0 {
		segments = append(segments, strings.Join(current, ParagraphSeparator))
	}
	return segments
}

// Paragraphs splits content on blank lines and drops paragraphs that are
// empty or whitespace-only. CRLF line endings are normalized first.
func Paragraphs(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	raw := strings.Split(content, ParagraphSeparator)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.Trim(p, "\n")
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CountTokens approximates the token count of s by its whitespace-separated words.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}
