package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const sweeperLockKey = "escrow:sweeper"

// Sweeper periodically auto-releases transactions whose hold period ended.
// When a Locker is set only one replica sweeps per tick.
type Sweeper struct {
	svc      *Service
	locker   Locker
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(svc *Service, locker Locker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		svc:      svc,
		locker:   locker,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick performs one sweep and returns the number of released transactions.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, sweeperLockKey, s.interval)
		if err != nil {
			if errors.Is(err, ErrLockHeld) {
				return 0, nil
			}
			return 0, err
		}
		defer unlock()
	}

	n, err := s.svc.ReleaseDue(ctx, s.svc.now())
	if n > 0 {
		s.logger.InfoContext(ctx, "auto-released escrows", slog.Int("count", n))
	}
	return n, err
}
