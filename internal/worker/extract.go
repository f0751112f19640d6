package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/extract"
	"github.com/JakeFAU/recipe-crawler/internal/stage"
)

// ErrInvalidUTF8 marks a crawl result whose contents are not UTF-8 text.
var ErrInvalidUTF8 = errors.New("page contents are not valid UTF-8")

// Extraction and link outcomes reported to the ExtractObserver.
const (
	OutcomeFound       = "found"
	OutcomeNotFound    = "not_found"
	OutcomeInvalidUTF8 = "invalid_utf8"
	OutcomeFailed      = "error"
	OutcomeEmpty       = "empty"

	LinkEmitted = "emitted"
	LinkSelf    = "self"
	LinkSeen    = "seen"
)

// Extract turns crawl results into recipe records and feeds newly seen
// links back to the fetcher.
type Extract struct {
	extractor extract.Extractor
	cache     crawler.RecencyCache
	observer  ExtractObserver
	logger    *zap.Logger
}

// NewExtract constructs the extract worker.
func NewExtract(extractor extract.Extractor, cache crawler.RecencyCache, observer ExtractObserver, logger *zap.Logger) *Extract {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extract{extractor: extractor, cache: cache, observer: observer, logger: logger}
}

// Handler wires the worker into a stage.
func (w *Extract) Handler() stage.Handler[crawler.FetchResult] {
	return stage.Handler[crawler.FetchResult]{Decode: crawler.DecodeFetchResult, Process: w.Process}
}

// Process emits the extracted record (if any) to recipes, then every
// discovered link that is not the page itself and has not been seen within
// the recency window to links. A page without a recipe still has its links
// followed; an unexpected extraction fault stops processing.
func (w *Extract) Process(ctx context.Context, result crawler.FetchResult, out stage.Emitter) error {
	if !result.Complete() {
		w.observer.ExtractionObserved(OutcomeEmpty)
		w.logger.Info("crawl result is incomplete",
			zap.String("url", result.URL),
			zap.Int("status_code", result.StatusCode),
			zap.Bool("has_contents", result.Contents != nil),
		)
		return nil
	}
	if !utf8.Valid(result.Contents) {
		w.observer.ExtractionObserved(OutcomeInvalidUTF8)
		return fmt.Errorf("%w: %s", ErrInvalidUTF8, result.URL)
	}
	html := string(result.Contents)

	record, err := w.extractor.Extract(result.URL, html)
	var notFound *extract.NotFoundError
	switch {
	case errors.As(err, &notFound):
		w.observer.ExtractionObserved(OutcomeNotFound)
		w.logger.Info("no recipe schema found", zap.String("url", notFound.URL), zap.String("reason", notFound.Message))
	case err != nil:
		w.observer.ExtractionObserved(OutcomeFailed)
		return fmt.Errorf("extract %s: %w", result.URL, err)
	default:
		w.observer.ExtractionObserved(OutcomeFound)
		payload, err := crawler.EncodeRecord(record)
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", result.URL, err)
		}
		if err := out.Emit(ctx, crawler.TopicRecipes, payload); err != nil {
			return err
		}
		w.logger.Debug("recipe extracted", zap.String("url", result.URL), zap.String("identity", record.Identity(result.URL)))
	}

	return w.followLinks(ctx, result.URL, html, out)
}

func (w *Extract) followLinks(ctx context.Context, pageURL, html string, out stage.Emitter) error {
	links, err := extract.Links(pageURL, html)
	if err != nil {
		return fmt.Errorf("discover links on %s: %w", pageURL, err)
	}
	self := pageURL
	if base, err := url.Parse(pageURL); err == nil {
		if resolved, ok := crawler.ResolveLink(base, pageURL); ok {
			self = resolved
		}
	}

	emitted := 0
	for _, target := range links {
		if target == self {
			w.observer.LinkObserved(LinkSelf)
			continue
		}
		seen, err := w.cache.SeenRecently(ctx, target)
		if err != nil {
			// Degrade to "not seen": a duplicate fetch is cheaper than a lost link.
			w.observer.CacheFailed()
			w.logger.Warn("recency cache lookup failed", zap.String("url", target), zap.Error(err))
			seen = false
		}
		if seen {
			w.observer.LinkObserved(LinkSeen)
			continue
		}
		payload, err := crawler.EncodeLink(crawler.NewLink(target, map[string]any{crawler.MetadataReferrer: pageURL}))
		if err != nil {
			return fmt.Errorf("encode link %s: %w", target, err)
		}
		if err := out.Emit(ctx, crawler.TopicLinks, payload); err != nil {
			return err
		}
		w.observer.LinkObserved(LinkEmitted)
		emitted++
	}
	w.logger.Debug("links discovered", zap.String("url", pageURL), zap.Int("found", len(links)), zap.Int("emitted", emitted))
	return nil
}
