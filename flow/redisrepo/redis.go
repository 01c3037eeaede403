// Package redisrepo provides a Redis based implementation of the flow.Repo
// interface so a callback can land on any gateway instance.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/mcp-auth-gateway/flow"
	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "gateway:"

var _ flow.Repo = (*Repo)(nil)

// Config contains configuration options for the Redis flow repo
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "gateway:"
	KeyPrefix string
}

// Repo implements flow.Repo on Redis. Contexts expire with the key TTL.
type Repo struct {
	client    *redis.Client
	keyPrefix string
	nowFunc   func() time.Time
}

// New creates a new Redis backed flow repo.
func New(config Config) (*Repo, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("[redisrepo.New] redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	return &Repo{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		nowFunc:   time.Now,
	}, nil
}

func (r *Repo) Put(ctx context.Context, fc *flow.Context) error {
	if fc == nil || fc.ID == "" {
		return errors.New("[redisrepo.Put] flow context with an id is required")
	}
	ttl := fc.ExpiresAt.Sub(r.nowFunc())
	if ttl <= 0 {
		return fmt.Errorf("[redisrepo.Put] flow %s already expired: %w", fc.ID, apperrors.ErrFlowTimeout)
	}

	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("[redisrepo.Put] failed to marshal flow: %w", err)
	}
	if err := r.client.Set(ctx, r.key(fc.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("[redisrepo.Put] failed to set key: %w", err)
	}
	return nil
}

// Take uses GETDEL so two callbacks racing on one state cannot both win.
func (r *Repo) Take(ctx context.Context, id string) (*flow.Context, error) {
	if id == "" {
		return nil, apperrors.ErrNotFound
	}
	raw, err := r.client.GetDel(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("[redisrepo.Take] failed to get key: %w", err)
	}

	var fc flow.Context
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("[redisrepo.Take] failed to unmarshal flow: %w", err)
	}
	return &fc, nil
}

// Sweep is a no-op; Redis expires flows on its own.
func (r *Repo) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

func (r *Repo) key(id string) string {
	return r.keyPrefix + "flow:" + id
}
