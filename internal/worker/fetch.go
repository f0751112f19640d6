package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/stage"
)

// FetchConfig controls the optional raw page archive.
type FetchConfig struct {
	ArchivePrefix string
	ContentType   string
}

// Fetch downloads each Link and emits a FetchResult to crawl-results.
type Fetch struct {
	fetcher  crawler.Fetcher
	archive  crawler.BlobStore
	hasher   crawler.Hasher
	clock    crawler.Clock
	cfg      FetchConfig
	observer FetchObserver
	logger   *zap.Logger
}

// NewFetch constructs the fetch worker. archive and hasher may be nil to
// disable archiving.
func NewFetch(
	fetcher crawler.Fetcher,
	archive crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg FetchConfig,
	observer FetchObserver,
	logger *zap.Logger,
) *Fetch {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetch{
		fetcher:  fetcher,
		archive:  archive,
		hasher:   hasher,
		clock:    clock,
		cfg:      cfg,
		observer: observer,
		logger:   logger,
	}
}

// Handler wires the worker into a stage.
func (w *Fetch) Handler() stage.Handler[crawler.Link] {
	return stage.Handler[crawler.Link]{Decode: crawler.DecodeLink, Process: w.Process}
}

// Process fetches link and publishes exactly one FetchResult on success.
// Transport failures and non-2xx responses publish nothing.
func (w *Fetch) Process(ctx context.Context, link crawler.Link, out stage.Emitter) error {
	headers := http.Header{}
	if ref := link.Referrer(); ref != "" {
		headers.Set("Referer", ref)
	}

	start := time.Now()
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: link.URL(), Headers: headers})
	if err != nil {
		w.observer.FetchObserved(link.URL(), statusOf(err), 0, time.Since(start))
		return fmt.Errorf("fetch %s: %w", link.URL(), err)
	}
	w.observer.FetchObserved(link.URL(), resp.StatusCode, len(resp.Body), resp.Duration)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch %s: unexpected status %d", link.URL(), resp.StatusCode)
	}

	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	result := crawler.FetchResult{
		URL:         link.URL(),
		StatusCode:  resp.StatusCode,
		Contents:    body,
		ElapsedTime: resp.Duration.Seconds(),
		Timestamp:   w.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	w.archivePage(ctx, link, body)

	payload, err := crawler.EncodeFetchResult(result)
	if err != nil {
		return fmt.Errorf("encode crawl result for %s: %w", link.URL(), err)
	}
	if err := out.Emit(ctx, crawler.TopicCrawlResults, payload); err != nil {
		return err
	}
	w.logger.Debug("page fetched",
		zap.String("url", link.URL()),
		zap.String("host", link.Hostname()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", resp.Duration),
	)
	return nil
}

// archivePage stores the raw body under <prefix>/<host>/<sha256>.html.
// Failures are logged and never block the publish.
func (w *Fetch) archivePage(ctx context.Context, link crawler.Link, body []byte) {
	if w.archive == nil || w.hasher == nil {
		return
	}
	hash, err := w.hasher.Hash(body)
	if err != nil {
		w.logger.Warn("hash body failed", zap.String("url", link.URL()), zap.Error(err))
		return
	}
	path := w.archivePath(link.Hostname(), hash)
	uri, err := w.archive.PutObject(ctx, path, w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("archive page failed", zap.String("url", link.URL()), zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Debug("page archived", zap.String("url", link.URL()), zap.String("uri", uri))
}

func (w *Fetch) archivePath(host, hash string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, hash)
}

type statusCoder interface {
	error
	HTTPStatus() int
}

func statusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
