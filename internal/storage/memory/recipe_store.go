package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// RecipeStore keeps recipes in-memory keyed by identity. First write wins.
type RecipeStore struct {
	mu      sync.RWMutex
	recipes map[string]crawler.Record
}

// NewRecipeStore constructs an empty RecipeStore.
func NewRecipeStore() *RecipeStore {
	return &RecipeStore{recipes: make(map[string]crawler.Record)}
}

// UpsertRecipe stores a deep copy of record unless identity is already present.
func (s *RecipeStore) UpsertRecipe(_ context.Context, identity string, record crawler.Record) (bool, error) {
	if identity == "" {
		return false, errors.New("identity is required")
	}
	clone, err := cloneRecord(record)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recipes[identity]; exists {
		return false, nil
	}
	s.recipes[identity] = clone
	return true, nil
}

// Get returns the stored record for identity.
func (s *RecipeStore) Get(identity string) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recipes[identity]
	return rec, ok
}

// Len reports how many recipes are stored.
func (s *RecipeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recipes)
}

// cloneRecord round-trips through JSON so the store holds exactly what the
// Postgres store would persist.
func cloneRecord(record crawler.Record) (crawler.Record, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var out crawler.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return out, nil
}
