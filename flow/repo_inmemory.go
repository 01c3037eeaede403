package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
type InMemoryRepo struct {
	mu      sync.Mutex
	flows   map[string]*Context
	nowFunc func() time.Time
}

type InMemoryRepoOption func(*InMemoryRepo)

// WithRepoNowFunc sets the clock used by Sweep (primarily for testing)
func WithRepoNowFunc(now func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowFunc = now
	}
}

// NewInMemoryRepo creates a new in-memory flow context repository
func NewInMemoryRepo(options ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		flows:   make(map[string]*Context),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Put stores a copy of fc
func (r *InMemoryRepo) Put(ctx context.Context, fc *Context) error {
	if fc == nil {
		return errors.New("[InMemoryRepo.Put] flow context cannot be nil")
	}
	if fc.ID == "" {
		return errors.New("[InMemoryRepo.Put] flow id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to prevent external modifications
	r.flows[fc.ID] = fc.clone()
	return nil
}

// Take removes and returns the context for id
func (r *InMemoryRepo) Take(ctx context.Context, id string) (*Context, error) {
	if id == "" {
		return nil, apperrors.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fc, exists := r.flows[id]
	if !exists {
		return nil, apperrors.ErrNotFound
	}
	delete(r.flows, id)
	return fc, nil
}

// Sweep removes expired contexts
func (r *InMemoryRepo) Sweep(ctx context.Context) (int, error) {
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, fc := range r.flows {
		if fc.Expired(now) {
			delete(r.flows, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored contexts.
func (r *InMemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}
