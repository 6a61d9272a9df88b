// Package extract turns fetched HTML into readable paragraph text and a title.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Document is the readable projection of a page.
type Document struct {
	Title string
	// Text holds one paragraph per block element, separated by blank lines.
	Text string
}

var blockSelector = strings.Join([]string{
	"p", "li", "h1", "h2", "h3", "h4", "h5", "h6",
	"pre", "blockquote", "td", "th", "dt", "dd", "figcaption",
}, ",")

// HTML parses body and extracts its title and block-level text. Script,
// style, and template content never reaches the output. A document without
// block elements falls back to the whole body text as one paragraph.
func HTML(body []byte) (Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)
	doc.Find("script,style,noscript,template,svg").Remove()

	title := collapse(doc.Find("title").First().Text())
	if title == "" {
		title = collapse(doc.Find("h1").First().Text())
	}

	var paragraphs []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks (e.g. <li><p>) are emitted by the innermost match.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := collapse(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) == 0 {
		if text := collapse(doc.Find("body").Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return Document{
		Title: title,
		Text:  strings.Join(paragraphs, "\n\n"),
	}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
