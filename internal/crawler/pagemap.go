package crawler

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageStructure is the coarse summary of a loaded page
type PageStructure struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	NavElements   int    `json:"nav_elements"`
	Buttons       int    `json:"buttons"`
	Links         int    `json:"links"`
	Forms         int    `json:"forms"`
	HasNavigation bool   `json:"has_navigation"`
	IsSPA         bool   `json:"is_spa"`
}

// Summarize counts structural elements in markup. title falls back to the
// document's <title> when empty.
func Summarize(pageURL, title, markup string) (PageStructure, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return PageStructure{}, fmt.Errorf("failed to parse page html: %w", err)
	}

	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	return PageStructure{
		Title:         title,
		URL:           pageURL,
		NavElements:   doc.Find("nav, header").Length(),
		Buttons:       doc.Find("button").Length(),
		Links:         doc.Find("a").Length(),
		Forms:         doc.Find("form").Length(),
		HasNavigation: doc.Find("nav").Length() > 0,
	}, nil
}
