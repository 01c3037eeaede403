package flow_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/mcp-auth-gateway/flow"
	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRepo_TakeIsSingleUse(t *testing.T) {
	repo := flow.NewInMemoryRepo()
	ctx := context.Background()
	fc := flow.NewContext("https://app.example.com/cb", "", time.Now(), time.Minute)

	require.NoError(t, repo.Put(ctx, fc))

	// Mutating the caller's copy does not leak into the repo.
	fc.RedirectURI = "https://evil.example.com"

	got, err := repo.Take(ctx, fc.ID)
	require.NoError(t, err)
	require.Equal(t, "https://app.example.com/cb", got.RedirectURI)

	_, err = repo.Take(ctx, fc.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInMemoryRepo_ConcurrentTake(t *testing.T) {
	repo := flow.NewInMemoryRepo()
	ctx := context.Background()
	fc := flow.NewContext("https://app.example.com/cb", "", time.Now(), time.Minute)
	require.NoError(t, repo.Put(ctx, fc))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Take(ctx, fc.ID); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestInMemoryRepo_Validation(t *testing.T) {
	repo := flow.NewInMemoryRepo()
	ctx := context.Background()

	require.Error(t, repo.Put(ctx, nil))
	require.Error(t, repo.Put(ctx, &flow.Context{}))

	_, err := repo.Take(ctx, "")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInMemoryRepo_Sweep(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	repo := flow.NewInMemoryRepo(flow.WithRepoNowFunc(clock))
	ctx := context.Background()

	stale := flow.NewContext("https://app.example.com/cb", "", now.Add(-2*time.Minute), time.Minute)
	fresh := flow.NewContext("https://app.example.com/cb", "", now, time.Minute)
	require.NoError(t, repo.Put(ctx, stale))
	require.NoError(t, repo.Put(ctx, fresh))

	removed, err := repo.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, repo.Len())

	_, err = repo.Take(ctx, fresh.ID)
	require.NoError(t, err)
}
