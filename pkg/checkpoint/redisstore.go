package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one key per session (`checkpoint:<session_id>`),
// holding the JSON-encoded State. Redis's per-key command atomicity gives
// the same one-lock-per-session-id guarantee as MemStore without an
// application-level lock map.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client; the caller owns its lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func checkpointKey(sessionID string) string { return "checkpoint:" + sessionID }

func (s *RedisStore) Save(ctx context.Context, sessionID string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := s.client.Set(ctx, checkpointKey(sessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("checkpoint: set: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (State, error) {
	data, err := s.client.Get(ctx, checkpointKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, &NotFoundError{SessionID: sessionID}
		}
		return State{}, fmt.Errorf("checkpoint: get: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return state, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, checkpointKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("checkpoint: del: %w", err)
	}
	return nil
}
