package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a durable Store backend over a single `memory_entries`
// table (pkg/checkpoint's pgx-backed implementation shares the same
// pool-construction idiom).
//
// Schema (applied via the engine's shared golang-migrate migrations,
// see internal/migrations):
//
//	CREATE TABLE memory_entries (
//	  scope       TEXT NOT NULL,
//	  key         TEXT NOT NULL,
//	  value       TEXT NOT NULL,
//	  category    TEXT NOT NULL,
//	  created_at  TIMESTAMPTZ NOT NULL,
//	  updated_at  TIMESTAMPTZ NOT NULL,
//	  hit_count   INTEGER NOT NULL DEFAULT 0,
//	  PRIMARY KEY (scope, key)
//	);
type PostgresStore struct {
	pool     *pgxpool.Pool
	capacity int
}

// NewPostgresStore wraps an existing pool. The caller owns the pool's
// lifecycle (Close).
func NewPostgresStore(pool *pgxpool.Pool, capacity int) *PostgresStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PostgresStore{pool: pool, capacity: capacity}
}

func (s *PostgresStore) Store(ctx context.Context, scope, key, value string, category Category) error {
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_entries SET value = $3, category = $4, updated_at = $5
		WHERE scope = $1 AND key = $2`, scope, key, value, string(category), now)
	if err != nil {
		return fmt.Errorf("memory: update entry: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if err := s.evictIfFull(ctx, scope); err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_entries (scope, key, value, category, created_at, updated_at, hit_count)
		VALUES ($1, $2, $3, $4, $5, $5, 0)`, scope, key, value, string(category), now)
	if err != nil {
		return fmt.Errorf("memory: insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) evictIfFull(ctx context.Context, scope string) error {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM memory_entries WHERE scope = $1`, scope).Scan(&count); err != nil {
		return fmt.Errorf("memory: count entries: %w", err)
	}
	if count < s.capacity {
		return nil
	}

	entries, err := s.scopeEntries(ctx, scope)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	worst := entries[0]
	worstScore := Score(worst, "", now)
	for _, e := range entries[1:] {
		if sc := Score(e, "", now); sc < worstScore {
			worst, worstScore = e, sc
		}
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM memory_entries WHERE scope = $1 AND key = $2`, scope, worst.Key)
	if err != nil {
		return fmt.Errorf("memory: evict entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) scopeEntries(ctx context.Context, scope string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, category, created_at, updated_at, hit_count
		FROM memory_entries WHERE scope = $1`, scope)
	if err != nil {
		return nil, fmt.Errorf("memory: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var category string
		var created, updated time.Time
		if err := rows.Scan(&e.Key, &e.Value, &category, &created, &updated, &e.HitCount); err != nil {
			return nil, fmt.Errorf("memory: scan entry: %w", err)
		}
		e.Scope = scope
		e.Category = Category(category)
		e.CreatedAt = created.Unix()
		e.UpdatedAt = updated.Unix()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Recall(ctx context.Context, scope, query string, topK int) ([]Entry, error) {
	entries, err := s.scopeEntries(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	now := time.Now().Unix()
	sort.Slice(entries, func(i, j int) bool {
		return Score(entries[i], query, now) > Score(entries[j], query, now)
	})

	if topK <= 0 || topK > len(entries) {
		topK = len(entries)
	}
	out := entries[:topK]

	for i := range out {
		if _, err := s.pool.Exec(ctx, `UPDATE memory_entries SET hit_count = hit_count + 1 WHERE scope = $1 AND key = $2`, scope, out[i].Key); err != nil {
			return nil, fmt.Errorf("memory: increment hit_count: %w", err)
		}
		out[i].HitCount++
	}
	return out, nil
}

func (s *PostgresStore) Forget(ctx context.Context, scope, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_entries WHERE scope = $1 AND key = $2`, scope, key)
	if err != nil {
		return fmt.Errorf("memory: forget entry: %w", err)
	}
	return nil
}
