package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/stage"
)

// ErrNoIdentity marks a record without a usable canonical_url.
var ErrNoIdentity = errors.New("record has no identity")

// Persist upserts recipe records into durable storage, first write wins.
type Persist struct {
	store    crawler.RecipeStore
	observer PersistObserver
	logger   *zap.Logger
}

// NewPersist constructs the persist worker.
func NewPersist(store crawler.RecipeStore, observer PersistObserver, logger *zap.Logger) *Persist {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persist{store: store, observer: observer, logger: logger}
}

// Handler wires the worker into a stage.
func (w *Persist) Handler() stage.Handler[crawler.Record] {
	return stage.Handler[crawler.Record]{Decode: crawler.DecodeRecord, Process: w.Process}
}

// Process stores record keyed by its normalized canonical URL.
func (w *Persist) Process(ctx context.Context, record crawler.Record, _ stage.Emitter) error {
	identity := record.Identity("")
	if identity == "" {
		return ErrNoIdentity
	}
	if normalized, err := crawler.NormalizeURL(identity); err == nil {
		identity = normalized
	}

	inserted, err := w.store.UpsertRecipe(ctx, identity, record)
	if err != nil {
		return fmt.Errorf("upsert recipe %s: %w", identity, err)
	}
	w.observer.RecipePersisted(inserted)
	if inserted {
		w.logger.Info("recipe stored", zap.String("url", identity))
	} else {
		w.logger.Debug("recipe already stored", zap.String("url", identity))
	}
	return nil
}
