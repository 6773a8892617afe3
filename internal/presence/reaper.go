/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"context"
	"errors"
	"time"
)

// Sweep expires every record whose LastSeen is more than threshold before
// now and returns the ids it removed. Records removed or refreshed by
// someone else in the meantime are skipped, so concurrent sweeps are safe
// and converge to the same store contents.
func Sweep(ctx context.Context, store Store, now time.Time, threshold time.Duration) ([]string, error) {
	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-threshold)

	var (
		removed []string
		errs    []error
	)

	for _, p := range records {
		if !p.LastSeen.Before(cutoff) {
			continue
		}

		ok, err := store.Expire(ctx, p.ID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed = append(removed, p.ID)
		}
	}

	return removed, errors.Join(errs...)
}

func (s *Session) reap(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReapPeriod)
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

func (s *Session) sweep(ctx context.Context) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	removed, err := Sweep(opCtx, s.store, s.now(), s.cfg.StalenessThreshold)
	s.metrics.reap(len(removed))

	if err != nil && ctx.Err() == nil {
		s.log.Warn("Reap sweep failed", "error", err)
	}

	if len(removed) > 0 {
		s.log.Info("Reaped stale participants", "count", len(removed), "ids", removed)
		// Don't wait for the feed to report our own deletes.
		s.kick()
	}
}
