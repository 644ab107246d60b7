package connreg

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

var _ Registry = (*Redis)(nil)

// DefaultKeyPrefix namespaces registry keys.
const DefaultKeyPrefix = "anamnese:"

// Redis is a [Registry] that keeps one Redis set per conversation, so that
// every gateway instance and every completion worker share a single view.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis returns a registry on rdb. An empty prefix selects
// [DefaultKeyPrefix].
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// Dial parses url (redis://…), connects and pings.
func Dial(ctx context.Context, url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("connreg: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connreg: ping redis: %w", err)
	}
	return NewRedis(rdb, prefix), nil
}

func (r *Redis) key(userID, conversationID string) string {
	return r.prefix + "connections:" + userID + ":" + conversationID
}

// Register implements [Registry].
func (r *Redis) Register(ctx context.Context, userID, conversationID, connectionID string) error {
	if err := validate(userID, conversationID, connectionID); err != nil {
		return err
	}
	if err := r.rdb.SAdd(ctx, r.key(userID, conversationID), connectionID).Err(); err != nil {
		return fmt.Errorf("connreg: register: %w", err)
	}
	return nil
}

// Lookup implements [Registry].
func (r *Redis) Lookup(ctx context.Context, userID, conversationID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.key(userID, conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("connreg: lookup: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// Remove implements [Registry].
func (r *Redis) Remove(ctx context.Context, userID, conversationID, connectionID string) error {
	if err := r.rdb.SRem(ctx, r.key(userID, conversationID), connectionID).Err(); err != nil {
		return fmt.Errorf("connreg: remove: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
