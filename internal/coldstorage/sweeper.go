package coldstorage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the sweeper looks for expired restores.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically reverts expired restored copies to archived state.
type Sweeper struct {
	lifecycle *Lifecycle
	interval  time.Duration
	logger    zerolog.Logger
}

func NewSweeper(lifecycle *Lifecycle, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Sweeper{lifecycle: lifecycle, interval: interval, logger: logger}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("restore expiry sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("restore expiry sweeper stopped")

			return ctx.Err()
		case <-ticker.C:
			reverted, err := s.lifecycle.SweepExpiredRestores(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("restore expiry sweep failed")

				continue
			}

			if reverted > 0 {
				s.logger.Info().Int("reverted", reverted).Msg("restore expiry sweep complete")
			}
		}
	}
}
