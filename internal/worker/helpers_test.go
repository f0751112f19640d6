package worker_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

type emitted struct {
	topic   string
	payload []byte
}

type recordingEmitter struct {
	mu   sync.Mutex
	msgs []emitted
	err  error
}

func (e *recordingEmitter) Emit(_ context.Context, topic string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.msgs = append(e.msgs, emitted{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (e *recordingEmitter) onTopic(topic string) [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out [][]byte
	for _, m := range e.msgs {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.msgs)
}

type stubFetcher struct {
	resp    crawler.FetchResponse
	err     error
	lastReq crawler.FetchRequest
}

func (f *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

type failingCache struct{}

func (failingCache) SeenRecently(context.Context, string) (bool, error) {
	return false, errors.New("redis unavailable")
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

type countingObserver struct {
	mu          sync.Mutex
	fetches     []int
	extractions map[string]int
	links       map[string]int
	cacheFails  int
	persisted   map[bool]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		extractions: map[string]int{},
		links:       map[string]int{},
		persisted:   map[bool]int{},
	}
}

func (o *countingObserver) FetchObserved(_ string, status, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches = append(o.fetches, status)
}

func (o *countingObserver) ExtractionObserved(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extractions[outcome]++
}

func (o *countingObserver) LinkObserved(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.links[outcome]++
}

func (o *countingObserver) CacheFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cacheFails++
}

func (o *countingObserver) RecipePersisted(inserted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persisted[inserted]++
}
