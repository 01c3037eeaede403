package flow

import "context"

// Repo holds in-flight authorization contexts keyed by their ID.
type Repo interface {
	// Put stores fc until its ExpiresAt.
	Put(ctx context.Context, fc *Context) error

	// Take atomically fetches and removes the context for id, so a callback
	// can only ever be completed once. Unknown ids return ErrNotFound.
	Take(ctx context.Context, id string) (*Context, error)

	// Sweep purges abandoned contexts and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}
