package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrDecode marks an inbound message that cannot be decoded.
var ErrDecode = errors.New("decode message")

type linkWire struct {
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EncodeLink serializes a Link as UTF-8 JSON.
func EncodeLink(l Link) ([]byte, error) {
	data, err := json.Marshal(linkWire{URL: l.url, Metadata: l.metadata})
	if err != nil {
		return nil, fmt.Errorf("marshal link: %w", err)
	}
	return data, nil
}

// DecodeLink parses a JSON Link payload.
func DecodeLink(data []byte) (Link, error) {
	if !utf8.Valid(data) {
		return Link{}, fmt.Errorf("%w: link payload is not utf-8", ErrDecode)
	}
	var wire linkWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Link{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if strings.TrimSpace(wire.URL) == "" {
		return Link{}, fmt.Errorf("%w: link url is required", ErrDecode)
	}
	return NewLink(wire.URL, wire.Metadata), nil
}

// EncodeFetchResult serializes a FetchResult with MessagePack.
func EncodeFetchResult(r FetchResult) ([]byte, error) {
	data, err := msgpack.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal fetch result: %w", err)
	}
	return data, nil
}

// DecodeFetchResult parses a MessagePack FetchResult payload.
func DecodeFetchResult(data []byte) (FetchResult, error) {
	var r FetchResult
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if r.URL == "" {
		return FetchResult{}, fmt.Errorf("%w: fetch result url is required", ErrDecode)
	}
	return r, nil
}

// EncodeRecord serializes a Record as JSON.
func EncodeRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a JSON object payload.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: record must be a json object", ErrDecode)
	}
	return r, nil
}
