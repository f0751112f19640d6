package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RecencyCache answers "was this key recorded within the recency window",
// recording it when it was not.
type RecencyCache interface {
	SeenRecently(ctx context.Context, key string) (bool, error)
}

// RecipeStore persists extracted records keyed by identity.
type RecipeStore interface {
	// UpsertRecipe stores the record unless one with the same identity exists.
	// It reports whether a new row was written.
	UpsertRecipe(ctx context.Context, identity string, record Record) (bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for archive object keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
