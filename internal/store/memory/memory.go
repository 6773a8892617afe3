/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package memory is a process-local participant store with a change feed.
// Every session in the process shares it, which makes it the store for a
// single lobbybox instance and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Seednode/lobbybox/internal/presence"
)

const feedBuffer = 16

type Store struct {
	mu      sync.RWMutex
	records map[string]presence.Participant
	subs    map[chan presence.Change]struct{}
	down    bool
}

func New() *Store {
	return &Store{
		records: make(map[string]presence.Participant),
		subs:    make(map[chan presence.Change]struct{}),
	}
}

// SetDown makes every call fail with presence.ErrStoreUnavailable until it
// is called again with false. Used to exercise outage handling.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.down = down
}

// DropSubscribers closes every open subscription, as if the feed had lost
// its connection.
func (s *Store) DropSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.subs)
}

func (s *Store) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.down {
		return fmt.Errorf("memory store: %w", presence.ErrStoreUnavailable)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p presence.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	if _, ok := s.records[p.ID]; ok {
		return fmt.Errorf("create %s: %w", p.ID, presence.ErrWriteConflict)
	}

	s.records[p.ID] = p
	s.notifyLocked(presence.Change{Op: presence.OpPut, ID: p.ID})

	return nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return err
	}

	p, ok := s.records[id]
	if !ok {
		return fmt.Errorf("touch %s: %w", id, presence.ErrNotFound)
	}

	s.records[id] = p.Touched(at)
	s.notifyLocked(presence.Change{Op: presence.OpPut, ID: id})

	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	if _, ok := s.records[id]; !ok {
		return nil
	}

	delete(s.records, id)
	s.notifyLocked(presence.Change{Op: presence.OpDelete, ID: id})

	return nil
}

func (s *Store) Expire(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return false, err
	}

	p, ok := s.records[id]
	if !ok || !p.LastSeen.Before(cutoff) {
		return false, nil
	}

	delete(s.records, id)
	s.notifyLocked(presence.Change{Op: presence.OpDelete, ID: id})

	return true, nil
}

func (s *Store) List(ctx context.Context) ([]presence.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}

	out := make([]presence.Participant, 0, len(s.records))
	for _, p := range s.records {
		out = append(out, p)
	}

	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.checkLocked(ctx)
}

func (s *Store) Subscribe(ctx context.Context) (<-chan presence.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}

	ch := make(chan presence.Change, feedBuffer)
	s.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}()

	return ch, nil
}

// notifyLocked never blocks: a subscriber with a full buffer already has a
// reload pending, so the change is dropped for it.
func (s *Store) notifyLocked(c presence.Change) {
	for ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
