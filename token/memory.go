package token

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const shardCount = 32

var _ Store = (*MemoryStore)(nil)

type shard struct {
	mu      sync.RWMutex
	records map[string]*Record // fingerprint -> record
}

// MemoryStore is an in-process Store. Records are spread over shards so
// unrelated validations never contend on one lock. Revoked and rotated records
// stay behind as tombstones until their original expiry.
type MemoryStore struct {
	shards  [shardCount]*shard
	nowFunc func() time.Time
	rand    io.Reader
}

type MemoryStoreOption func(*MemoryStore)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.nowFunc = now
	}
}

// WithRandReader sets the random source token values are drawn from (primarily for testing)
func WithRandReader(r io.Reader) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.rand = r
	}
}

func NewMemoryStore(options ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{nowFunc: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*Record)}
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Issue(ctx context.Context, grant Grant, ttl time.Duration) (*Token, error) {
	if err := ValidateGrant(grant, ttl); err != nil {
		return nil, fmt.Errorf("[MemoryStore.Issue] %w", err)
	}

	for attempt := 0; attempt < MaxIssueAttempts; attempt++ {
		value, err := NewValue(s.rand)
		if err != nil {
			return nil, fmt.Errorf("[MemoryStore.Issue] %w", err)
		}
		fp := Fingerprint(value)
		sh := s.shardFor(fp)
		rec := NewRecord(fp, grant, s.nowFunc(), ttl)

		sh.mu.Lock()
		if _, exists := sh.records[fp]; exists {
			sh.mu.Unlock()
			log.Warn().Str("token", fp[:fingerprintLogLength]).Msg("session token collision, regenerating")
			continue
		}
		sh.records[fp] = rec
		sh.mu.Unlock()

		log.Debug().Str("token", fp[:fingerprintLogLength]).Str("subject", grant.Subject).Time("expires_at", rec.ExpiresAt).Msg("session token issued")
		return rec.TokenFor(value), nil
	}
	return nil, fmt.Errorf("[MemoryStore.Issue] could not generate a unique token: %w", apperrors.ErrInternal)
}

func (s *MemoryStore) Validate(ctx context.Context, value string) (*Record, error) {
	if value == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	fp := Fingerprint(value)
	sh := s.shardFor(fp)

	sh.mu.RLock()
	rec, ok := sh.records[fp]
	var snapshot Record
	if ok {
		snapshot = *rec
	}
	sh.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrTokenInvalid
	}
	now := s.nowFunc()
	if err := snapshot.Check(now); err != nil {
		if snapshot.Expired(now) {
			s.purge(sh, fp, now)
		}
		return nil, err
	}
	return &snapshot, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, value string) error {
	if value == "" {
		return apperrors.ErrTokenInvalid
	}
	fp := Fingerprint(value)
	sh := s.shardFor(fp)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[fp]
	if !ok {
		return apperrors.ErrTokenInvalid
	}
	if !rec.Revoked {
		rec.Revoked = true
		log.Debug().Str("token", fp[:fingerprintLogLength]).Msg("session token revoked")
	}
	return nil
}

func (s *MemoryStore) Rotate(ctx context.Context, value string, upstream *oauth2.Token) (*Token, error) {
	if value == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	oldFP := Fingerprint(value)
	oldIdx := shardIndex(oldFP)

	for attempt := 0; attempt < MaxIssueAttempts; attempt++ {
		next, err := NewValue(s.rand)
		if err != nil {
			return nil, fmt.Errorf("[MemoryStore.Rotate] %w", err)
		}
		newFP := Fingerprint(next)
		if newFP == oldFP {
			continue
		}
		newIdx := shardIndex(newFP)

		s.lockPair(oldIdx, newIdx)
		rec, ok := s.shards[oldIdx].records[oldFP]
		if !ok {
			s.unlockPair(oldIdx, newIdx)
			return nil, apperrors.ErrTokenInvalid
		}
		now := s.nowFunc()
		if err := rec.Check(now); err != nil {
			if rec.Expired(now) {
				delete(s.shards[oldIdx].records, oldFP)
			}
			s.unlockPair(oldIdx, newIdx)
			return nil, err
		}
		if _, exists := s.shards[newIdx].records[newFP]; exists {
			s.unlockPair(oldIdx, newIdx)
			continue
		}

		successor := rec.NewSuccessor(newFP, now, upstream)
		rec.Revoked = true
		rec.Successor = newFP
		s.shards[newIdx].records[newFP] = successor
		s.unlockPair(oldIdx, newIdx)

		log.Debug().
			Str("token", oldFP[:fingerprintLogLength]).
			Str("successor", newFP[:fingerprintLogLength]).
			Int("generation", successor.Generation).
			Msg("session token rotated")
		return successor.TokenFor(next), nil
	}
	return nil, fmt.Errorf("[MemoryStore.Rotate] could not generate a unique token: %w", apperrors.ErrInternal)
}

// Sweep removes expired records, locking one shard at a time so live
// validations on other shards are never held up.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		now := s.nowFunc()
		sh.mu.Lock()
		for fp, rec := range sh.records {
			if rec.Expired(now) {
				delete(sh.records, fp)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored records, tombstones included.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

func (s *MemoryStore) purge(sh *shard, fp string, now time.Time) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok := sh.records[fp]; ok && rec.Expired(now) {
		delete(sh.records, fp)
	}
}

func (s *MemoryStore) shardFor(fp string) *shard {
	return s.shards[shardIndex(fp)]
}

// lockPair takes both shard locks in index order so concurrent rotations
// cannot deadlock.
func (s *MemoryStore) lockPair(a, b int) {
	if a == b {
		s.shards[a].mu.Lock()
		return
	}
	if a > b {
		a, b = b, a
	}
	s.shards[a].mu.Lock()
	s.shards[b].mu.Lock()
}

func (s *MemoryStore) unlockPair(a, b int) {
	s.shards[a].mu.Unlock()
	if a != b {
		s.shards[b].mu.Unlock()
	}
}

func shardIndex(fp string) int {
	b, err := strconv.ParseUint(fp[:2], 16, 8)
	if err != nil {
		return 0
	}
	return int(b) % shardCount
}
