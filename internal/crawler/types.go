package crawler

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Topic and consumer group names shared by every deployment of the pipeline.
const (
	TopicLinks        = "links"
	TopicCrawlResults = "crawl-results"
	TopicRecipes      = "recipes"

	GroupFetcher   = "crawler"
	GroupExtractor = "parse-crawl-results"
	GroupPersister = "persist_recipes_to_postgres"
)

// MetadataReferrer is the Link metadata key holding the page a link was discovered on.
const MetadataReferrer = "referrer"

const unknownHost = "unknown"

// Link is a crawl candidate. It is immutable once constructed; the hostname
// is derived at construction time.
type Link struct {
	url      string
	metadata map[string]any
	hostname string
}

// NewLink builds a Link. The metadata map is copied.
func NewLink(rawURL string, metadata map[string]any) Link {
	var md map[string]any
	if metadata != nil {
		md = make(map[string]any, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	return Link{
		url:      rawURL,
		metadata: md,
		hostname: hostnameOf(rawURL),
	}
}

// URL returns the link target.
func (l Link) URL() string { return l.url }

// Hostname returns the lowercase host of the link, or "unknown".
func (l Link) Hostname() string {
	if l.hostname == "" {
		return unknownHost
	}
	return l.hostname
}

// Metadata returns a copy of the link metadata (nil when absent).
func (l Link) Metadata() map[string]any {
	if l.metadata == nil {
		return nil
	}
	out := make(map[string]any, len(l.metadata))
	for k, v := range l.metadata {
		out[k] = v
	}
	return out
}

// Referrer returns metadata.referrer when it is a non-empty string.
func (l Link) Referrer() string {
	ref, _ := l.metadata[MetadataReferrer].(string)
	return ref
}

func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return unknownHost
	}
	return strings.ToLower(u.Hostname())
}

// FetchResult is produced once per successful HTTP response. A zero StatusCode
// or nil Contents marks a fetch that did not complete.
type FetchResult struct {
	URL         string  `msgpack:"url"`
	StatusCode  int     `msgpack:"status_code"`
	Contents    []byte  `msgpack:"contents"`
	ElapsedTime float64 `msgpack:"elapsed_time,omitempty"`
	Timestamp   string  `msgpack:"timestamp,omitempty"`
}

// Complete reports whether the result carries both a status and a body.
func (r FetchResult) Complete() bool {
	return r.StatusCode != 0 && r.Contents != nil
}

// Record is an extracted structured payload (a recipe in this deployment).
type Record map[string]any

// Identity returns the record's canonical URL, falling back to the given URL.
func (r Record) Identity(fallback string) string {
	if v, ok := r["canonical_url"].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
