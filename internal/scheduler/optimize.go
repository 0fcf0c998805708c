package scheduler

import (
	"context"
	"time"
)

// nextRun returns the first moment after now at hour o'clock in loc.
func nextRun(now time.Time, loc *time.Location, hour int) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}

	return next
}

// optimizeDaily runs the database optimizer once a day.
func (s *Service) optimizeDaily(ctx context.Context) {
	for {
		now := s.clock.Now()
		wait := nextRun(now, s.opts.OptimizeLocation, s.opts.OptimizeHour).Sub(now)

		timer := s.clock.NewTimer(wait, "scheduler", "optimize")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := s.clock.Now()
		if err := s.store.Optimize(ctx); err != nil {
			s.log.Error().Err(err).Msg("Optimize failed")
			continue
		}
		s.log.Info().Dur("took", s.clock.Since(start)).Msg("Database optimized")
	}
}
