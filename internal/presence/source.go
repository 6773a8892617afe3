/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"context"
	"time"
)

// watch is the session's membership source. In push mode it follows the
// change feed and falls back to polling while the feed is down; in poll
// mode it reloads on a fixed interval.
func (s *Session) watch(ctx context.Context) {
	defer s.wg.Done()

	if s.feed == nil || s.cfg.Mode == ModePoll {
		s.log.Debug("Membership source: polling", "interval", s.cfg.PollInterval)
		s.poll(ctx)
		return
	}

	s.log.Debug("Membership source: change feed")

	changes, err := s.feed.Subscribe(ctx)
	if err != nil {
		s.gap(err)
		if changes = s.fallback(ctx); changes == nil {
			return
		}
	}

	for {
		// Anything that changed between the last pass and the subscription
		// taking effect is only visible through a reload.
		s.kick()
		s.follow(ctx, changes)

		if ctx.Err() != nil {
			return
		}

		s.gap(ErrNotificationGap)
		if changes = s.fallback(ctx); changes == nil {
			return
		}
	}
}

func (s *Session) gap(err error) {
	s.metrics.gap()
	s.log.Warn("Change feed unavailable, polling until resubscribed", "error", err, "interval", s.cfg.PollInterval)
}

// follow turns notifications into reconciliation passes, one per burst,
// until the feed closes or ctx ends.
func (s *Session) follow(ctx context.Context, changes <-chan Change) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if s.cfg.Debounce == 0 {
				s.kick()
				continue
			}
			if fire == nil {
				timer = time.NewTimer(s.cfg.Debounce)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			s.kick()
		}
	}
}

// fallback polls the store while retrying the subscription with backoff.
// It returns the new subscription, or nil once ctx ends.
func (s *Session) fallback(ctx context.Context) <-chan Change {
	s.kick()

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	b := newBackoff(0)
	resubscribe := time.NewTimer(b.NextBackOff())
	defer resubscribe.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			s.kick()
		case <-resubscribe.C:
			changes, err := s.feed.Subscribe(ctx)
			if err == nil {
				s.log.Info("Change feed resubscribed")
				return changes
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Debug("Resubscribe failed", "error", err)
			resubscribe.Reset(b.NextBackOff())
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.kick()
		}
	}
}
