package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Links returns the absolute http(s) targets of every a[href] on the page in
// document order, resolved against pageURL with fragments removed.
// Duplicates are kept; the recency cache filters them downstream.
func Links(pageURL, html string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html for %s: %w", pageURL, err)
	}

	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if resolved, ok := crawler.ResolveLink(base, href); ok {
			out = append(out, resolved)
		}
	})
	return out, nil
}
