package keystore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "apikey:"
	queryTimeout = 500 * time.Millisecond
)

// RedisStore reads API-key records from Redis hashes.
//
// Key format: "apikey:<key>" → hash {id, name, active}. Records are
// provisioned by the administrative tooling; this store only reads.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns the client
// lifecycle (creation and Close).
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// LookupByKey fetches the record for key. Returns ErrKeyNotFound when the
// hash does not exist; Redis errors propagate so the caller can distinguish
// an absent key from an unavailable store.
func (s *RedisStore) LookupByKey(ctx context.Context, key string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("keystore: HGETALL: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrKeyNotFound
	}

	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("keystore: bad id for key: %w", err)
	}

	return Record{
		ID:     id,
		Name:   fields["name"],
		Active: fields["active"] == "1" || fields["active"] == "true",
	}, nil
}
