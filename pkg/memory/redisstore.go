package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the second interchangeable Store backend. Entries for a
// scope live in one Redis hash (`memory:<scope>`), field-keyed by entry
// key, JSON-encoded per field — simple enough to evict/score in Go
// rather than pushing scoring into Lua.
type RedisStore struct {
	client   *redis.Client
	capacity int
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle (Close).
func NewRedisStore(client *redis.Client, capacity int) *RedisStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisStore{client: client, capacity: capacity}
}

type redisEntry struct {
	Value     string   `json:"value"`
	Category  Category `json:"category"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
	HitCount  int      `json:"hit_count"`
}

func hashKey(scope string) string { return "memory:" + scope }

func (s *RedisStore) Store(ctx context.Context, scope, key, value string, category Category) error {
	hkey := hashKey(scope)
	now := time.Now().Unix()

	raw, err := s.client.HGet(ctx, hkey, key).Result()
	if err == nil {
		var e redisEntry
		if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil {
			e.Value = value
			e.Category = category
			e.UpdatedAt = now
			return s.writeField(ctx, hkey, key, e)
		}
	} else if err != redis.Nil {
		return fmt.Errorf("memory: hget: %w", err)
	}

	if err := s.evictIfFull(ctx, hkey); err != nil {
		return err
	}

	return s.writeField(ctx, hkey, key, redisEntry{Value: value, Category: category, CreatedAt: now, UpdatedAt: now})
}

func (s *RedisStore) writeField(ctx context.Context, hkey, key string, e redisEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("memory: marshal entry: %w", err)
	}
	if err := s.client.HSet(ctx, hkey, key, b).Err(); err != nil {
		return fmt.Errorf("memory: hset: %w", err)
	}
	return nil
}

func (s *RedisStore) evictIfFull(ctx context.Context, hkey string) error {
	length, err := s.client.HLen(ctx, hkey).Result()
	if err != nil {
		return fmt.Errorf("memory: hlen: %w", err)
	}
	if int(length) < s.capacity {
		return nil
	}

	all, err := s.client.HGetAll(ctx, hkey).Result()
	if err != nil {
		return fmt.Errorf("memory: hgetall: %w", err)
	}
	now := time.Now().Unix()
	var worstKey string
	worstScore := 0.0
	first := true
	for k, raw := range all {
		var e redisEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		sc := Score(entryFrom("", k, e), "", now)
		if first || sc < worstScore {
			worstScore, worstKey, first = sc, k, false
		}
	}
	if worstKey != "" {
		if err := s.client.HDel(ctx, hkey, worstKey).Err(); err != nil {
			return fmt.Errorf("memory: evict entry: %w", err)
		}
	}
	return nil
}

func entryFrom(scope, key string, e redisEntry) Entry {
	return Entry{
		Scope:     scope,
		Key:       key,
		Value:     e.Value,
		Category:  e.Category,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		HitCount:  e.HitCount,
	}
}

func (s *RedisStore) Recall(ctx context.Context, scope, query string, topK int) ([]Entry, error) {
	hkey := hashKey(scope)
	all, err := s.client.HGetAll(ctx, hkey).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: hgetall: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	now := time.Now().Unix()
	entries := make([]Entry, 0, len(all))
	for k, raw := range all {
		var e redisEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, entryFrom(scope, k, e))
	}

	sort.Slice(entries, func(i, j int) bool {
		return Score(entries[i], query, now) > Score(entries[j], query, now)
	})

	if topK <= 0 || topK > len(entries) {
		topK = len(entries)
	}
	out := entries[:topK]

	for i := range out {
		out[i].HitCount++
		e := redisEntry{Value: out[i].Value, Category: out[i].Category, CreatedAt: out[i].CreatedAt, UpdatedAt: out[i].UpdatedAt, HitCount: out[i].HitCount}
		if err := s.writeField(ctx, hkey, out[i].Key, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RedisStore) Forget(ctx context.Context, scope, key string) error {
	if err := s.client.HDel(ctx, hashKey(scope), key).Err(); err != nil {
		return fmt.Errorf("memory: hdel: %w", err)
	}
	return nil
}
