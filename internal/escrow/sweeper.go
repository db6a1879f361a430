package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sweeper periodically expires escrows whose expiry passed while still
// awaiting funding. Expire acquires the same per-escrow lock as the
// interactive operations, so a sweep cannot race a concurrent deposit,
// dispute, or release.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds an expiry sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expirable, err := s.service.store.ListExpirable(ctx, s.service.now())
	if err != nil {
		s.logger.Error("escrow sweep listing failed", "error", err)
		return
	}
	for _, e := range expirable {
		if _, err := s.service.Expire(ctx, e.ID); err != nil {
			// A concurrent deposit or dispute may have won the lock first;
			// an illegal transition here is expected, anything else is not.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			s.logger.Error("escrow expiry failed", "escrow_id", e.ID, "error", err)
			continue
		}
		s.logger.Info("escrow expired", "escrow_id", e.ID)
	}
}
