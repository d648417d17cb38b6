package flags

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrFlagNotFound is returned when a flag id has no definition.
var ErrFlagNotFound = errors.New("feature flag not found")

// Store reads flag definitions. Writes are rare administrative actions and
// happen outside the request hot path.
type Store interface {
	GetFlag(ctx context.Context, id string) (*Flag, error)
}

// RedisStore reads flags from redis. Layout per flag id:
//
//	flag:<id>        hash  enabled, rollout_percentage
//	flag:<id>:allow  set   user ids
//	flag:<id>:block  set   user ids
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetFlag implements Store.
func (s *RedisStore) GetFlag(ctx context.Context, id string) (*Flag, error) {
	key := "flag:" + id

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read flag %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("flag %s: %w", id, ErrFlagNotFound)
	}

	flag := &Flag{ID: id}
	flag.Enabled = fields["enabled"] == "true" || fields["enabled"] == "1"
	if raw, ok := fields["rollout_percentage"]; ok {
		pct, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("flag %s has malformed rollout percentage %q", id, raw)
		}
		flag.RolloutPercentage = pct
	}

	allowed, err := s.client.SMembers(ctx, key+":allow").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read allow list for flag %s: %w", id, err)
	}
	blocked, err := s.client.SMembers(ctx, key+":block").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read block list for flag %s: %w", id, err)
	}

	flag.AllowedUsers = toSet(allowed)
	flag.BlockedUsers = toSet(blocked)
	return flag, nil
}

// SetFlag writes a full flag definition. Administrative use only.
func (s *RedisStore) SetFlag(ctx context.Context, flag *Flag) error {
	key := "flag:" + flag.ID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"enabled", strconv.FormatBool(flag.Enabled),
		"rollout_percentage", strconv.Itoa(flag.RolloutPercentage),
	)
	pipe.Del(ctx, key+":allow", key+":block")
	for user := range flag.AllowedUsers {
		pipe.SAdd(ctx, key+":allow", user)
	}
	for user := range flag.BlockedUsers {
		pipe.SAdd(ctx, key+":block", user)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write flag %s: %w", flag.ID, err)
	}
	return nil
}

func toSet(members []string) map[string]bool {
	if len(members) == 0 {
		return nil
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return set
}

// MemoryStore is an in-process Store for tests and single-node deployments
// without redis.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]*Flag)}
}

// GetFlag implements Store.
func (s *MemoryStore) GetFlag(ctx context.Context, id string) (*Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flag, ok := s.flags[id]
	if !ok {
		return nil, fmt.Errorf("flag %s: %w", id, ErrFlagNotFound)
	}
	copied := *flag
	return &copied, nil
}

// SetFlag stores a flag definition.
func (s *MemoryStore) SetFlag(flag *Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *flag
	s.flags[flag.ID] = &copied
}
