package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a durable Store backend over a single `checkpoints` table.
//
// Schema (applied via internal/migrations):
//
//	CREATE TABLE checkpoints (
//	  session_id TEXT PRIMARY KEY,
//	  state      JSONB NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL
//	);
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing pool; the caller owns its lifecycle.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Save is an upsert; Postgres's row-level locking on the session_id
// primary key gives per-key serialization for free, so PgStore needs no application-level lock map.
func (s *PgStore) Save(ctx context.Context, sessionID string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (session_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET state = $2, updated_at = $3`,
		sessionID, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("checkpoint: upsert: %w", err)
	}
	return nil
}

func (s *PgStore) Load(ctx context.Context, sessionID string) (State, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM checkpoints WHERE session_id = $1`, sessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, &NotFoundError{SessionID: sessionID}
		}
		return State{}, fmt.Errorf("checkpoint: select: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return state, nil
}

func (s *PgStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}
