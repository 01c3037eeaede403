package token

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweepable is anything holding expiring state that can be purged in bulk.
type Sweepable interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper periodically purges a Sweepable until its context is cancelled.
type Sweeper struct {
	name     string
	target   Sweepable
	interval time.Duration
}

func NewSweeper(name string, target Sweepable, interval time.Duration) *Sweeper {
	return &Sweeper{
		name:     name,
		target:   target,
		interval: interval,
	}
}

// Run blocks until ctx is done. It always returns nil so it can sit in an
// errgroup without bringing the process down.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		log.Warn().Str("sweeper", s.name).Msg("sweep interval not positive, sweeper disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	removed, err := s.target.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Err(err).Str("sweeper", s.name).Msg("sweep failed")
		}
		return
	}
	if removed > 0 {
		log.Debug().Str("sweeper", s.name).Int("removed", removed).Msg("expired entries purged")
	}
}
