// Package detector decides when a static fetch should be re-done in a
// headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/recall-crawler/internal/chunker"
	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/extract"
)

// DefaultMinVisibleWords is the word count below which a script-heavy page
// is assumed to render its content client-side.
const DefaultMinVisibleWords = 60

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	MinVisibleWords int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minVisibleWords int) *Heuristic {
	if minVisibleWords <= 0 {
		minVisibleWords = DefaultMinVisibleWords
	}
	return &Heuristic{MinVisibleWords: minVisibleWords}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var noscriptPrompts = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	lower := strings.ToLower(string(body))
	for _, prompt := range noscriptPrompts {
		if strings.Contains(lower, prompt) {
			return true
		}
	}
	return scriptDensityHigh(lower) && h.visibleWords(body) < h.MinVisibleWords
}

func (h *Heuristic) visibleWords(body []byte) int {
	doc, err := extract.HTML(body)
	if err != nil {
		return 0
	}
	return chunker.CountTokens(doc.Text)
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the lowercased document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
