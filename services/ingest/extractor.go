// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

const (
	maxTitleChars       = 200
	maxDescriptionChars = 500
	derivedDescChars    = 240
)

// Extracted is the result of article extraction. Fields may be empty;
// extraction never fails hard, the pipeline carries on with whatever the
// user supplied.
type Extracted struct {
	Title       string
	Description string
	ImageURL    string
	Text        string
	Markdown    string

	// Method records which strategy produced Text: "readability",
	// "dom_fallback", or "none".
	Method string
}

// Extractor turns raw HTML into clean article text plus page metadata.
type Extractor interface {
	Extract(html, pageURL string) *Extracted
}

type articleExtractor struct{}

var _ Extractor = (*articleExtractor)(nil)

// NewExtractor creates the layered extractor: readability first, then a
// densest-block DOM heuristic, with og:/twitter: metadata selectors
// applied independently of the body strategy.
func NewExtractor() Extractor {
	return &articleExtractor{}
}

// Extract never returns an error. Catastrophic parse failures produce an
// Extracted with empty fields and Method "none".
func (e *articleExtractor) Extract(html, pageURL string) *Extracted {
	out := &Extracted{Method: "none"}
	if strings.TrimSpace(html) == "" {
		return out
	}

	doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(html))
	if docErr == nil {
		e.extractMetadata(doc, pageURL, out)
	}

	// Step 1: readability is the primary body strategy.
	parsedURL, _ := url.Parse(pageURL)
	if article, err := readability.FromReader(strings.NewReader(html), parsedURL); err == nil {
		if text := normalizeWhitespace(article.TextContent); text != "" {
			out.Text = text
			out.Method = "readability"
			if out.Title == "" {
				out.Title = truncate(strings.TrimSpace(article.Title), maxTitleChars)
			}
			if out.Description == "" && article.Excerpt != "" {
				out.Description = truncate(strings.TrimSpace(article.Excerpt), maxDescriptionChars)
			}
			if out.ImageURL == "" && article.Image != "" {
				out.ImageURL = resolveURL(pageURL, article.Image)
			}
			if md, mdErr := htmltomarkdown.ConvertString(article.Content); mdErr == nil {
				out.Markdown = strings.TrimSpace(md)
			}
		}
	}

	// Step 2: DOM fallback when readability found nothing usable.
	if out.Text == "" && docErr == nil {
		if block := densestBlock(doc); block != nil {
			if text := normalizeWhitespace(block.Text()); text != "" {
				out.Text = text
				out.Method = "dom_fallback"
				if inner, err := goquery.OuterHtml(block); err == nil {
					if md, mdErr := htmltomarkdown.ConvertString(inner); mdErr == nil {
						out.Markdown = strings.TrimSpace(md)
					}
				}
			}
		}
	}

	// Step 3: derive still-missing metadata from what we have.
	if out.Title == "" {
		out.Title = titleFromURL(pageURL)
	}
	if out.Description == "" && out.Text != "" {
		out.Description = truncate(firstParagraph(out.Text), derivedDescChars)
	}
	return out
}

// extractMetadata fills title/description/image from meta tags, in the
// og: → twitter: → document order of precedence.
func (e *articleExtractor) extractMetadata(doc *goquery.Document, pageURL string, out *Extracted) {
	title := metaContent(doc, `meta[property="og:title"]`)
	if title == "" {
		title = metaContent(doc, `meta[name="twitter:title"]`)
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("h2").First().Text())
	}
	out.Title = truncate(title, maxTitleChars)

	desc := metaContent(doc, `meta[property="og:description"]`)
	if desc == "" {
		desc = metaContent(doc, `meta[name="description"]`)
	}
	if desc == "" {
		var parts []string
		doc.Find("p").EachWithBreak(func(i int, s *goquery.Selection) bool {
			if t := strings.TrimSpace(s.Text()); t != "" {
				parts = append(parts, t)
			}
			return len(parts) < 3
		})
		desc = strings.Join(parts, " ")
	}
	out.Description = truncate(strings.TrimSpace(desc), maxDescriptionChars)

	image := metaContent(doc, `meta[property="og:image"]`)
	if image == "" {
		image = metaContent(doc, `meta[name="twitter:image"]`)
	}
	if image == "" {
		doc.Find("img[src]").EachWithBreak(func(i int, s *goquery.Selection) bool {
			src, _ := s.Attr("src")
			src = strings.TrimSpace(src)
			if src != "" && !strings.HasPrefix(src, "data:") {
				image = src
				return false
			}
			return true
		})
	}
	if image != "" {
		out.ImageURL = resolveURL(pageURL, image)
	}
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

// densestBlock returns the landmark element holding the most text, or nil.
func densestBlock(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := 0
	for _, sel := range []string{"article", "main", "#content", ".content", ".post", ".entry-content", "body"} {
		doc.Find(sel).Each(func(i int, s *goquery.Selection) {
			if n := len(strings.TrimSpace(s.Text())); n > bestLen {
				best = s
				bestLen = n
			}
		})
		if best != nil && sel != "body" {
			// Prefer the first landmark level that matched anything.
			return best
		}
	}
	if bestLen < 80 {
		return nil
	}
	return best
}

// resolveURL makes href absolute against base. Unparseable inputs are
// returned as-is; a bad image URL is not worth losing the page over.
func resolveURL(base, href string) string {
	refURL, err := url.Parse(href)
	if err != nil {
		return href
	}
	if refURL.IsAbs() {
		return href
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(refURL).String()
}

func titleFromURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if last == "" {
		return u.Host
	}
	last = strings.TrimSuffix(last, ".html")
	last = strings.NewReplacer("-", " ", "_", " ").Replace(last)
	return truncate(strings.TrimSpace(last), maxTitleChars)
}

func firstParagraph(text string) string {
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return strings.TrimSpace(text)
}

// normalizeWhitespace collapses runs of blank lines and trims each line,
// keeping paragraph boundaries as single blank lines.
func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	blankRun := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blankRun++
			continue
		}
		if b.Len() > 0 {
			if blankRun > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		blankRun = 0
		b.WriteString(line)
	}
	return b.String()
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
