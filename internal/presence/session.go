/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Session is one client's presence in the lobby. It owns exactly one
// participant record, keeps it fresh, sweeps stale records left by others
// and republishes the reconciled membership whenever the store changes.
//
// All reconciliation passes for a session run on a single goroutine, so two
// passes never overlap; triggers that arrive during a pass collapse into
// one follow-up pass.
type Session struct {
	store   Store
	feed    Feed
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	metrics *Metrics

	// lifecycle serializes Join and Leave.
	lifecycle sync.Mutex

	trigger chan struct{}

	mu        sync.Mutex
	state     State
	status    Status
	self      Participant
	roster    Roster
	reachedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	pubMu     sync.Mutex
	pubClosed bool
	updates   chan Roster
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now for liveness decisions. Timer periods still
// use real time.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFeed sets the change feed used in push mode. Without it the session
// uses the store itself when the store implements Feed.
func WithFeed(f Feed) Option {
	return func(s *Session) {
		s.feed = f
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

func NewSession(store Store, cfg Config, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		store:   store,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		updates: make(chan Roster, 1),
		state:   StateIdle,
		status:  StatusConnecting,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.feed == nil {
		if f, ok := store.(Feed); ok {
			s.feed = f
		}
	}
	if cfg.Mode == ModePush && s.feed == nil {
		return nil, fmt.Errorf("%w: push mode needs a change feed", ErrInvalidConfig)
	}

	s.roster = s.emptyRoster()

	return s, nil
}

func (s *Session) emptyRoster() Roster {
	return Roster{
		Capacity:   s.cfg.MaxSlots,
		MinToStart: s.cfg.MinToStart,
		Status:     s.status,
	}
}

// Join writes a fresh participant record for profile and starts the
// heartbeat, the reaper and the membership source. When it returns without
// error, Roster already includes the new participant.
func (s *Session) Join(ctx context.Context, profile Profile) (Participant, error) {
	if err := profile.Validate(); err != nil {
		return Participant{}, err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return Participant{}, fmt.Errorf("%w (state %s)", ErrAlreadyJoined, state)
	}
	s.state = StateJoining
	s.status = StatusConnecting
	s.mu.Unlock()

	p, err := s.create(ctx, profile)
	s.metrics.join(err)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		if !errors.Is(err, ErrLobbyFull) {
			s.status = StatusUnavailable
		}
		r := s.rosterLocked()
		s.mu.Unlock()
		s.publish(r)

		s.log.Warn("Failed to join lobby", "error", err)

		return Participant{}, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.self = p
	s.state = StateLive
	s.status = StatusConnected
	s.reachedAt = s.now()
	s.cancel = cancel
	s.log = s.log.With("participant", p.ID)
	s.mu.Unlock()

	s.log.Info("Joined lobby", "name", p.DisplayName)

	// The feed only reports future changes, so the first pass runs before
	// any timer can trigger another one.
	s.reconcile(loopCtx)

	s.wg.Add(4)
	go s.run(loopCtx)
	go s.heartbeat(loopCtx)
	go s.reap(loopCtx)
	go s.watch(loopCtx)

	return p, nil
}

func (s *Session) create(ctx context.Context, profile Profile) (Participant, error) {
	var created Participant

	err := retry(ctx, s.cfg.JoinTimeout, func() error {
		opCtx, cancel := s.opContext(ctx)
		defer cancel()

		if s.cfg.OnFull == FullReject {
			records, err := s.store.List(opCtx)
			if err != nil {
				return err
			}
			if len(Reconcile(records, s.now(), s.cfg.StalenessThreshold)) >= s.cfg.MaxSlots {
				return backoff.Permanent(ErrLobbyFull)
			}
		}

		// A conflict means the id is taken; the next attempt draws a new one.
		p, err := newParticipant(profile, s.now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.store.Create(opCtx, p); err != nil {
			return err
		}

		created = p

		return nil
	})

	switch {
	case err == nil:
		return created, nil
	case errors.Is(err, ErrLobbyFull), errors.Is(err, ErrStoreUnavailable):
		return Participant{}, err
	default:
		return Participant{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

// Leave stops every timer and the feed subscription, then removes the
// session's record. It is safe to call more than once; after the first call
// the session is finished and Updates is closed.
func (s *Session) Leave(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	state := s.state
	if state == StateLeft {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLeft
	cancel := s.cancel
	id := s.self.ID
	s.mu.Unlock()

	// Timers stop before the delete so a late heartbeat cannot touch a
	// record this session is removing.
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.closeUpdates()

	if id == "" {
		return nil
	}

	err := retry(ctx, s.cfg.OpTimeout, func() error {
		opCtx, cancel := s.opContext(ctx)
		defer cancel()

		return s.store.Delete(opCtx, id)
	})
	if err != nil {
		s.log.Warn("Failed to remove participant record, leaving it to the reaper", "error", err)

		return fmt.Errorf("leave %s: %w", id, err)
	}

	s.log.Info("Left lobby", "previous_state", state)

	return nil
}

// Close is Leave bounded by the operation timeout, for teardown paths that
// have no context of their own.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	return s.Leave(ctx)
}

func (s *Session) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.self.ID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Roster returns the latest reconciled membership.
func (s *Session) Roster() Roster {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rosterLocked()
}

func (s *Session) rosterLocked() Roster {
	r := s.roster
	r.Status = s.status
	r.Self = s.self.ID
	r.Participants = slices.Clone(r.Participants)
	return r
}

// Updates delivers the roster after every successful pass and on status
// changes. Only the most recent roster is buffered; a slow reader skips
// intermediate ones. The channel is closed by Leave.
func (s *Session) Updates() <-chan Roster {
	return s.updates
}

// Start freezes the current visible roster for the game that follows.
func (s *Session) Start() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLive {
		return Snapshot{}, ErrNotJoined
	}
	if s.status != StatusConnected {
		return Snapshot{}, ErrStoreUnavailable
	}

	visible := s.roster.Visible()
	if !slices.ContainsFunc(visible, func(p Participant) bool { return p.ID == s.self.ID }) {
		return Snapshot{}, ErrNotSeated
	}
	if len(visible) < s.cfg.MinToStart {
		return Snapshot{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPlayers, len(visible), s.cfg.MinToStart)
	}

	return Snapshot{
		Participants: slices.Clone(visible),
		TakenAt:      s.now(),
	}, nil
}

func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// kick schedules a reconciliation pass. A pending pass absorbs the request.
func (s *Session) kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.reconcile(ctx)
		}
	}
}

func (s *Session) reconcile(ctx context.Context) {
	started := time.Now()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	records, err := s.store.List(opCtx)
	s.metrics.reconcile(started, err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("Failed to load participants", "error", err)
		s.storeFailed()

		return
	}
	s.storeOK()

	now := s.now()
	list := Reconcile(records, now, s.cfg.StalenessThreshold)

	s.mu.Lock()
	s.roster.Participants = list
	s.roster.UpdatedAt = now
	r := s.rosterLocked()
	s.mu.Unlock()

	s.log.Debug("Reconciled lobby", "participants", len(list), "records", len(records))

	s.publish(r)
}

// storeOK records a successful store call and restores the connected status
// of a live session.
func (s *Session) storeOK() {
	s.mu.Lock()
	s.reachedAt = s.now()
	if s.state != StateLive || s.status == StatusConnected {
		s.mu.Unlock()
		return
	}
	s.status = StatusConnected
	r := s.rosterLocked()
	s.mu.Unlock()

	s.log.Info("Participant store reachable again")
	s.publish(r)
}

// storeFailed records a failed store call and reports whether the store has
// been unreachable for longer than the staleness threshold.
func (s *Session) storeFailed() bool {
	s.mu.Lock()
	sustained := s.now().Sub(s.reachedAt) > s.cfg.StalenessThreshold
	if !sustained || s.status == StatusUnavailable {
		s.mu.Unlock()
		return sustained
	}
	s.status = StatusUnavailable
	r := s.rosterLocked()
	s.mu.Unlock()

	s.log.Error("Participant store unreachable", "since", s.reachedAt)
	s.publish(r)

	return true
}

// expire marks the session's own participant as gone from the lobby.
func (s *Session) expire() {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return
	}
	s.state = StateExpired
	s.status = StatusUnavailable
	r := s.rosterLocked()
	s.mu.Unlock()

	s.publish(r)
	s.kick()
}

func (s *Session) publish(r Roster) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if s.pubClosed {
		return
	}

	select {
	case <-s.updates:
	default:
	}
	s.updates <- r
}

func (s *Session) closeUpdates() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if !s.pubClosed {
		s.pubClosed = true
		close(s.updates)
	}
}

// View reconciles the store once without joining, for read-only displays.
func View(ctx context.Context, store Store, cfg Config, now time.Time) (Roster, error) {
	records, err := store.List(ctx)
	if err != nil {
		return Roster{Status: StatusUnavailable, Capacity: cfg.MaxSlots, MinToStart: cfg.MinToStart}, err
	}

	return Roster{
		Participants: Reconcile(records, now, cfg.StalenessThreshold),
		Status:       StatusConnected,
		Capacity:     cfg.MaxSlots,
		MinToStart:   cfg.MinToStart,
		UpdatedAt:    now,
	}, nil
}
