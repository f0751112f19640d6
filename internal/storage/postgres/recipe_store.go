// Package postgres provides the Postgres-backed recipe store and its schema
// migrations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// DefaultTable is the table recipes are written to when none is configured.
const DefaultTable = "scraped_recipe"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecipeStoreConfig controls the Postgres connection pool used for recipe rows.
type RecipeStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// RecipeStore writes extracted recipes into Postgres, one row per identity.
type RecipeStore struct {
	pool  execCloser
	table string
}

// NewRecipeStore creates a Postgres-backed RecipeStore using the provided config.
func NewRecipeStore(ctx context.Context, cfg RecipeStoreConfig) (*RecipeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecipeStore{pool: pool, table: table}, nil
}

// NewRecipeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecipeStoreWithPool(pool execCloser, table string) (*RecipeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecipeStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecipeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *RecipeStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("recipe store is not configured")
	}
	return s.pool.Ping(ctx)
}

// UpsertRecipe inserts the record keyed by identity. An existing row for the
// same identity is left untouched, so replays are no-ops. It reports whether a
// row was written.
func (s *RecipeStore) UpsertRecipe(ctx context.Context, identity string, record crawler.Record) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("recipe store is not configured")
	}
	if identity == "" {
		return false, fmt.Errorf("identity is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal recipe: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, payload)
VALUES ($1, $2)
ON CONFLICT (url) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query, identity, payload)
	if err != nil {
		return false, fmt.Errorf("insert recipe: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
