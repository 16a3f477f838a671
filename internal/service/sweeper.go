package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	grants   GrantService
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper constructs a Sweeper. A non-positive interval defaults to five minutes.
func NewSweeper(grants GrantService, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{grants: grants, interval: interval, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep errors are logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Once(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Once performs a single sweep.
func (s *Sweeper) Once(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.grants.SweepExpired(ctx); err != nil {
		s.log.Warn("sweep failed", zap.Error(err))
	}
}
