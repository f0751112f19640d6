// Package worker holds the decode and process functions for the three
// pipeline stages: Fetch (links → crawl-results), Extract (crawl-results →
// recipes, links) and Persist (recipes → storage). Each worker exposes a
// stage.Handler; the stage package owns consumption, dispatch and commits.
package worker

import "time"

// FetchObserver receives one call per fetch attempt. status is 0 when no
// response was received.
type FetchObserver interface {
	FetchObserved(rawURL string, status, bytes int, elapsed time.Duration)
}

// ExtractObserver receives extraction and link discovery outcomes.
type ExtractObserver interface {
	ExtractionObserved(outcome string)
	LinkObserved(outcome string)
	CacheFailed()
}

// PersistObserver receives upsert outcomes.
type PersistObserver interface {
	RecipePersisted(inserted bool)
}

type nopObserver struct{}

func (nopObserver) FetchObserved(string, int, int, time.Duration) {}
func (nopObserver) ExtractionObserved(string) {}
func (nopObserver) LinkObserved(string) {}
func (nopObserver) CacheFailed() {}
func (nopObserver) RecipePersisted(bool) {}
