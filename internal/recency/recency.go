// Package recency implements the time-windowed "seen recently" gate that keeps
// the extractor from re-emitting the same link within the recency window.
//
// The gate is best-effort: an expired or unavailable cache simply lets a link
// through again.
package recency

import "time"

// Defaults shared by every implementation.
const (
	DefaultTTL    = 7 * 24 * time.Hour
	DefaultPrefix = "visited__"
)
