// Package metrics exposes Prometheus collectors for the pipeline stages.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline owns every collector the stages and workers report to. It
// satisfies stage.Observer and the worker observer interfaces.
type Pipeline struct {
	messagesReceived *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	commitFailures   *prometheus.CounterVec
	processed        *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	published        *prometheus.CounterVec

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	extractions *prometheus.CounterVec
	links       *prometheus.CounterVec
	cacheErrors prometheus.Counter
	recipes     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the pipeline collectors against reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) (*Pipeline, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Pipeline{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_messages_received_total",
			Help: "Messages read from a stage's input topic.",
		}, []string{"stage"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_decode_failures_total",
			Help: "Messages dropped because they could not be decoded.",
		}, []string{"stage"}),
		commitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_commit_failures_total",
			Help: "Offset commits rejected by the broker.",
		}, []string{"stage"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_process_total",
			Help: "Completed process invocations partitioned by outcome.",
		}, []string{"stage", "outcome"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_process_duration_seconds",
			Help:    "Wall time of one process invocation.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_process_in_flight",
			Help: "Process invocations currently running.",
		}, []string{"stage"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_messages_published_total",
			Help: "Messages emitted to output topics.",
		}, []string{"stage", "topic"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_pages_total",
			Help: "Crawl results examined partitioned by extraction outcome.",
		}, []string{"outcome"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_links_total",
			Help: "Discovered links partitioned by what happened to them.",
		}, []string{"outcome"}),
		cacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractor_recency_cache_errors_total",
			Help: "Recency cache lookups that failed and were treated as unseen.",
		}),
		recipes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "persister_recipes_total",
			Help: "Recipe upserts partitioned by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		p.messagesReceived,
		p.decodeFailures,
		p.commitFailures,
		p.processed,
		p.processDuration,
		p.inFlight,
		p.published,
		p.fetches,
		p.fetchBytes,
		p.fetchDuration,
		p.extractions,
		p.links,
		p.cacheErrors,
		p.recipes,
		p.httpRequests,
		p.httpDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register pipeline collector: %w", err)
		}
	}
	return p, nil
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// MessageReceived counts a message read by stage.
func (p *Pipeline) MessageReceived(stage string) {
	p.messagesReceived.WithLabelValues(stage).Inc()
}

// DecodeFailed counts a dropped undecodable message.
func (p *Pipeline) DecodeFailed(stage string) {
	p.decodeFailures.WithLabelValues(stage).Inc()
}

// CommitFailed counts a rejected offset commit.
func (p *Pipeline) CommitFailed(stage string) {
	p.commitFailures.WithLabelValues(stage).Inc()
}

// ProcessStarted bumps the in-flight gauge.
func (p *Pipeline) ProcessStarted(stage string) {
	p.inFlight.WithLabelValues(stage).Inc()
}

// ProcessFinished records outcome and duration and drops the in-flight gauge.
func (p *Pipeline) ProcessFinished(stage, outcome string, elapsed time.Duration) {
	p.inFlight.WithLabelValues(stage).Dec()
	p.processed.WithLabelValues(stage, outcome).Inc()
	p.processDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// Published counts an emitted message.
func (p *Pipeline) Published(stage, topic string) {
	p.published.WithLabelValues(stage, topic).Inc()
}

// FetchObserved records one completed or failed fetch. A zero status means
// the request never produced a response.
func (p *Pipeline) FetchObserved(rawURL string, status, bytes int, elapsed time.Duration) {
	site := SanitizeSite(rawURL)
	class := StatusClass(status)
	p.fetches.WithLabelValues(site, class).Inc()
	p.fetchDuration.WithLabelValues(site, class).Observe(elapsed.Seconds())
	if bytes > 0 {
		p.fetchBytes.WithLabelValues(site).Add(float64(bytes))
	}
}

// ExtractionObserved counts a crawl result by extraction outcome.
func (p *Pipeline) ExtractionObserved(outcome string) {
	p.extractions.WithLabelValues(outcome).Inc()
}

// LinkObserved counts a discovered link by outcome.
func (p *Pipeline) LinkObserved(outcome string) {
	p.links.WithLabelValues(outcome).Inc()
}

// CacheFailed counts a recency cache error.
func (p *Pipeline) CacheFailed() {
	p.cacheErrors.Inc()
}

// RecipePersisted counts an upsert by whether it inserted a new row.
func (p *Pipeline) RecipePersisted(inserted bool) {
	result := "duplicate"
	if inserted {
		result = "inserted"
	}
	p.recipes.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one request served by the metrics server.
func (p *Pipeline) ObserveHTTPRequest(method, route string, code int, elapsed time.Duration) {
	p.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// StatusClass buckets an HTTP status into "2xx".."5xx", or "error" when no
// response was received.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
