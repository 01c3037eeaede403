// Package redisstore provides a Redis backed token.Store so several gateway
// instances can share session tokens.
//
// Each token is a hash under <prefix>tok:<fingerprint> holding the encoded
// record plus the mutable revoked and successor fields. Mutations run as Lua
// scripts so revocation and rotation are atomic on the server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/jrsteele09/mcp-auth-gateway/token"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultKeyPrefix = "gateway:"

	// expiredGrace keeps a record around briefly after expiry so an expired
	// token is reported as expired rather than unknown.
	expiredGrace = time.Minute

	fieldRecord    = "rec"
	fieldRevoked   = "revoked"
	fieldSuccessor = "successor"
)

var _ token.Store = (*Store)(nil)

// KEYS[1] token key. ARGV: record, expiry ms, key ttl ms.
var issueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'rec', ARGV[1], 'revoked', '0', 'successor', '', 'exp', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS[1] token key.
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 1
`)

// KEYS[1] old key, KEYS[2] new key.
// ARGV: new record, new expiry ms, new key ttl ms, now ms, new fingerprint.
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
	return -1
end
if tonumber(redis.call('HGET', KEYS[1], 'exp')) <= tonumber(ARGV[4]) then
	return -2
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'successor', ARGV[5])
redis.call('HSET', KEYS[2], 'rec', ARGV[1], 'revoked', '0', 'successor', '', 'exp', ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

// Config contains configuration options for the Redis token store
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "gateway:"
	KeyPrefix string
}

// Store implements token.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	nowFunc   func() time.Time
	rand      io.Reader
}

type Option func(*Store)

// WithNowFunc sets the clock used for expiry decisions (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// WithRandReader sets the random source token values are drawn from (primarily for testing)
func WithRandReader(r io.Reader) Option {
	return func(s *Store) {
		s.rand = r
	}
}

// New creates a new Redis backed token store.
func New(config Config, options ...Option) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("[redisstore.New] redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}

	s := &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *Store) Issue(ctx context.Context, grant token.Grant, ttl time.Duration) (*token.Token, error) {
	if err := token.ValidateGrant(grant, ttl); err != nil {
		return nil, fmt.Errorf("[redisstore.Issue] %w", err)
	}

	for attempt := 0; attempt < token.MaxIssueAttempts; attempt++ {
		value, err := token.NewValue(s.rand)
		if err != nil {
			return nil, fmt.Errorf("[redisstore.Issue] %w", err)
		}
		fp := token.Fingerprint(value)
		rec := token.NewRecord(fp, grant, s.nowFunc(), ttl)

		created, err := s.put(ctx, issueScript, []string{s.key(fp)}, rec)
		if err != nil {
			return nil, fmt.Errorf("[redisstore.Issue] %w", err)
		}
		if created != 1 {
			log.Warn().Str("token", fp[:8]).Msg("session token collision, regenerating")
			continue
		}
		log.Debug().Str("token", fp[:8]).Str("subject", grant.Subject).Time("expires_at", rec.ExpiresAt).Msg("session token issued")
		return rec.TokenFor(value), nil
	}
	return nil, fmt.Errorf("[redisstore.Issue] could not generate a unique token: %w", apperrors.ErrInternal)
}

func (s *Store) Validate(ctx context.Context, value string) (*token.Record, error) {
	if value == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	fp := token.Fingerprint(value)
	rec, err := s.load(ctx, fp)
	if err != nil {
		return nil, err
	}
	if err := rec.Check(s.nowFunc()); err != nil {
		if errors.Is(err, apperrors.ErrTokenExpired) {
			if delErr := s.client.Del(ctx, s.key(fp)).Err(); delErr != nil {
				log.Err(delErr).Str("token", fp[:8]).Msg("failed to purge expired token")
			}
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) Revoke(ctx context.Context, value string) error {
	if value == "" {
		return apperrors.ErrTokenInvalid
	}
	fp := token.Fingerprint(value)
	n, err := revokeScript.Run(ctx, s.client, []string{s.key(fp)}).Int()
	if err != nil {
		return fmt.Errorf("[redisstore.Revoke] %w: %w", apperrors.ErrInternal, err)
	}
	if n == 0 {
		return apperrors.ErrTokenInvalid
	}
	log.Debug().Str("token", fp[:8]).Msg("session token revoked")
	return nil
}

func (s *Store) Rotate(ctx context.Context, value string, upstream *oauth2.Token) (*token.Token, error) {
	if value == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	oldFP := token.Fingerprint(value)
	old, err := s.load(ctx, oldFP)
	if err != nil {
		return nil, err
	}
	if err := old.Check(s.nowFunc()); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < token.MaxIssueAttempts; attempt++ {
		next, err := token.NewValue(s.rand)
		if err != nil {
			return nil, fmt.Errorf("[redisstore.Rotate] %w", err)
		}
		newFP := token.Fingerprint(next)
		now := s.nowFunc()
		successor := old.NewSuccessor(newFP, now, upstream)

		payload, err := json.Marshal(successor)
		if err != nil {
			return nil, fmt.Errorf("[redisstore.Rotate] failed to encode record: %w", err)
		}
		res, err := rotateScript.Run(ctx, s.client,
			[]string{s.key(oldFP), s.key(newFP)},
			payload,
			successor.ExpiresAt.UnixMilli(),
			keyTTL(successor, now).Milliseconds(),
			now.UnixMilli(),
			newFP,
		).Int()
		if err != nil {
			return nil, fmt.Errorf("[redisstore.Rotate] %w: %w", apperrors.ErrInternal, err)
		}

		switch res {
		case 1:
			log.Debug().
				Str("token", oldFP[:8]).
				Str("successor", newFP[:8]).
				Int("generation", successor.Generation).
				Msg("session token rotated")
			return successor.TokenFor(next), nil
		case 0:
			continue
		case -2:
			return nil, apperrors.ErrTokenExpired
		default:
			return nil, apperrors.ErrTokenInvalid
		}
	}
	return nil, fmt.Errorf("[redisstore.Rotate] could not generate a unique token: %w", apperrors.ErrInternal)
}

// Sweep is a no-op; Redis expires keys on its own.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) put(ctx context.Context, script *redis.Script, keys []string, rec *token.Record) (int, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}
	n, err := script.Run(ctx, s.client, keys,
		payload,
		rec.ExpiresAt.UnixMilli(),
		keyTTL(rec, s.nowFunc()).Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", apperrors.ErrInternal, err)
	}
	return n, nil
}

func (s *Store) load(ctx context.Context, fp string) (*token.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(fp)).Result()
	if err != nil {
		return nil, fmt.Errorf("[redisstore.load] %w: %w", apperrors.ErrInternal, err)
	}
	raw, ok := fields[fieldRecord]
	if !ok {
		return nil, apperrors.ErrTokenInvalid
	}

	var rec token.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("[redisstore.load] failed to decode record: %w", err)
	}
	rec.Revoked = fields[fieldRevoked] == "1"
	rec.Successor = fields[fieldSuccessor]
	return &rec, nil
}

func (s *Store) key(fp string) string {
	return s.keyPrefix + "tok:" + fp
}

func keyTTL(rec *token.Record, now time.Time) time.Duration {
	return rec.ExpiresAt.Sub(now) + expiredGrace
}
