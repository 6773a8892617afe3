/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"context"
	"errors"
	"time"
)

func (s *Session) heartbeat(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.beat(ctx) {
				s.log.Info("Heartbeat stopped")
				return
			}
		}
	}
}

// beat refreshes the session's own record once and reports whether the
// heartbeat should keep running.
func (s *Session) beat(ctx context.Context) bool {
	id := s.Self()

	err := s.touch(ctx, id)
	if errors.Is(err, ErrWriteConflict) {
		err = s.touch(ctx, id)
	}
	s.metrics.heartbeat(err)

	switch {
	case err == nil:
		s.storeOK()
		return true
	case ctx.Err() != nil:
		return false
	case errors.Is(err, ErrNotFound):
		// Reaped or deleted elsewhere. Recreating it would resurrect a
		// participant the lobby already dropped.
		s.log.Warn("Participant record is gone, session expired")
		s.expire()
		return false
	}

	s.log.Warn("Heartbeat failed, retrying next tick", "error", err)

	if s.storeFailed() {
		s.log.Error("Heartbeat failing beyond staleness threshold", "threshold", s.cfg.StalenessThreshold)
		s.expire()
		return false
	}

	return true
}

func (s *Session) touch(ctx context.Context, id string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	return s.store.Touch(opCtx, id, s.now())
}
