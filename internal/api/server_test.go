package api

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/queue"
	queueMemory "github.com/JakeFAU/recipe-crawler/internal/queue/memory"
)

func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", Options{}, nil)
	rec := serve(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsFailedChecks(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", Options{Checks: map[string]CheckFunc{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}}, nil)

	rec := serve(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","checks":{"postgres":"connection refused"}}`, rec.Body.String())
}

func TestServer_ReadyzAllHealthy(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", Options{Checks: map[string]CheckFunc{
		"redis": func(context.Context) error { return nil },
	}}, nil)
	rec := serve(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsRouteOnlyWhenConfigured(t *testing.T) {
	t.Parallel()

	without := NewServer(":0", Options{}, nil)
	assert.Equal(t, http.StatusNotFound, serve(t, without, http.MethodGet, "/metrics", nil).Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("recipe_crawler_up 1\n"))
	})
	with := NewServer(":0", Options{Metrics: metrics}, nil)
	rec := serve(t, with, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recipe_crawler_up")
}

func TestServer_MiddlewareWrapsRoutes(t *testing.T) {
	t.Parallel()

	called := false
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}
	s := NewServer(":0", Options{Middleware: mw}, nil)
	serve(t, s, http.MethodGet, "/healthz", nil)
	assert.True(t, called)
}

func TestServer_SeedLinksPublishes(t *testing.T) {
	t.Parallel()

	broker := queueMemory.NewBroker()
	t.Cleanup(broker.Close)
	producer, err := broker.NewProducer()
	require.NoError(t, err)

	s := NewServer(":0", Options{Producer: producer}, nil)
	rec := serve(t, s, http.MethodPost, "/v1/links", []byte(`{"urls":["https://Example.com/soup#top","http://example.com/stew"]}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"published":2}`, rec.Body.String())

	msgs := broker.Messages(crawler.TopicLinks)
	require.Len(t, msgs, 2)
	first, err := crawler.DecodeLink(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/soup", first.URL())
}

func TestServer_SeedLinksValidation(t *testing.T) {
	t.Parallel()

	producer := new(queue.MockProducer)
	s := NewServer(":0", Options{Producer: producer}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"no urls", `{"urls":[]}`},
		{"relative url", `{"urls":["/soup"]}`},
		{"non-http url", `{"urls":["mailto:chef@example.com"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, s, http.MethodPost, "/v1/links", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	producer.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_SeedLinksPublishFailure(t *testing.T) {
	t.Parallel()

	producer := new(queue.MockProducer)
	producer.On("Publish", mock.Anything, crawler.TopicLinks, mock.Anything).Return(errors.New("broker down"))

	s := NewServer(":0", Options{Producer: producer}, nil)
	rec := serve(t, s, http.MethodPost, "/v1/links", []byte(`{"urls":["https://example.com"]}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	producer.AssertExpectations(t)
}

func TestServer_SeedRouteDisabledWithoutProducer(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", Options{}, nil)
	rec := serve(t, s, http.MethodPost, "/v1/links", []byte(`{"urls":["https://example.com"]}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", Options{Metrics: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})}, nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := NewServer(addr, Options{}, nil)
	assert.Equal(t, "http", s.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "req-1", nil }

func TestServer_RequestIDs(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", Options{IDs: fixedIDs{}}, nil)
	rec := serve(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}
