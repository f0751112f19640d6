// Package extract turns fetched HTML into structured recipe records and
// discovers the outbound links on a page.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Record keys produced by the JSON-LD extractor.
const (
	KeyTitle        = "title"
	KeyCanonicalURL = "canonical_url"
	KeyDescription  = "description"
	KeyIngredients  = "ingredients"
	KeyInstructions = "instructions_list"
	KeyYields       = "yields"
	KeyTotalTime    = "total_time"
	KeyImage        = "image"
	KeyAuthor       = "author"
	KeyHost         = "host"
	KeyCategory     = "category"
	KeyCuisine      = "cuisine"
)

// NotFoundError is the expected negative outcome: the page holds no
// structured data the extractor recognizes.
type NotFoundError struct {
	URL     string
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no recipe found at %s: %s", e.URL, e.Message)
}

// Extractor produces a record from a page. Implementations return a
// *NotFoundError when the page is not a recipe.
type Extractor interface {
	Extract(pageURL, html string) (crawler.Record, error)
}

// JSONLD extracts schema.org Recipe objects from application/ld+json scripts.
type JSONLD struct{}

// NewJSONLD returns the default extractor.
func NewJSONLD() *JSONLD {
	return &JSONLD{}
}

// Extract returns the first Recipe found in the page's JSON-LD blocks.
func (x *JSONLD) Extract(pageURL, html string) (crawler.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html for %s: %w", pageURL, err)
	}

	var recipe map[string]any
	blocks := 0
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return true
		}
		var data any
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			// Skip invalid JSON, sites often ship broken blocks next to good ones.
			return true
		}
		blocks++
		recipe = findRecipe(data)
		return recipe == nil
	})

	if recipe == nil {
		msg := "page has no JSON-LD"
		if blocks > 0 {
			msg = fmt.Sprintf("none of %d JSON-LD blocks is a Recipe", blocks)
		}
		return nil, &NotFoundError{URL: pageURL, Message: msg}
	}
	return normalize(pageURL, recipe), nil
}

// findRecipe walks objects, arrays and @graph containers looking for an
// object whose @type is or includes "Recipe".
func findRecipe(node any) map[string]any {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if found := findRecipe(item); found != nil {
				return found
			}
		}
	case map[string]any:
		if isRecipe(v["@type"]) {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			return findRecipe(graph)
		}
	}
	return nil
}

func isRecipe(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, "Recipe")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, "Recipe") {
				return true
			}
		}
	}
	return false
}

func normalize(pageURL string, recipe map[string]any) crawler.Record {
	rec := crawler.Record{
		KeyTitle:        text(recipe["name"]),
		KeyCanonicalURL: pageURL,
		KeyDescription:  text(recipe["description"]),
		KeyIngredients:  stringList(recipe["recipeIngredient"]),
		KeyInstructions: instructions(recipe["recipeInstructions"]),
		KeyYields:       first(recipe["recipeYield"]),
		KeyImage:        imageURL(recipe["image"]),
		KeyAuthor:       authorName(recipe["author"]),
		KeyHost:         crawler.NewLink(pageURL, nil).Hostname(),
	}
	if canonical, ok := recipe["url"].(string); ok && strings.HasPrefix(canonical, "http") {
		rec[KeyCanonicalURL] = canonical
	}
	if minutes, ok := ParseISODuration(text(recipe["totalTime"])); ok {
		rec[KeyTotalTime] = minutes
	} else {
		rec[KeyTotalTime] = nil
	}
	if category := first(recipe["recipeCategory"]); category != "" {
		rec[KeyCategory] = category
	}
	if cuisine := first(recipe["recipeCuisine"]); cuisine != "" {
		rec[KeyCuisine] = cuisine
	}
	return rec
}

func text(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func first(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%g", t)
	case []any:
		for _, item := range t {
			if s := first(item); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringList(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range t {
			if s := text(item); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// instructions flattens the string, HowToStep and HowToSection forms.
func instructions(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case string:
		for _, line := range strings.Split(t, "\n") {
			if s := strings.TrimSpace(line); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range t {
			out = append(out, instructions(item)...)
		}
	case map[string]any:
		if s := text(t["text"]); s != "" {
			out = append(out, s)
		} else if s := text(t["name"]); s != "" && t["itemListElement"] == nil {
			out = append(out, s)
		}
		if items, ok := t["itemListElement"]; ok {
			out = append(out, instructions(items)...)
		}
	}
	return out
}

func imageURL(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s := imageURL(item); s != "" {
				return s
			}
		}
	case map[string]any:
		return text(t["url"])
	}
	return ""
}

func authorName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		names := make([]string, 0, len(t))
		for _, item := range t {
			if s := authorName(item); s != "" {
				names = append(names, s)
			}
		}
		return strings.Join(names, ", ")
	case map[string]any:
		return text(t["name"])
	}
	return ""
}
