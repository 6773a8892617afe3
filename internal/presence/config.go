/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"fmt"
	"time"
)

// FullPolicy decides what Join does once the displayed slots are taken.
type FullPolicy string

const (
	// FullQueue lets the participant in; they show up in Roster.Overflow
	// until a slot frees.
	FullQueue FullPolicy = "queue"
	// FullReject refuses the join with ErrLobbyFull.
	FullReject FullPolicy = "reject"
)

// Mode selects how a session learns about store changes.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Config holds every tunable of the engine.
type Config struct {
	// StalenessThreshold (S): a record is live while now-lastSeen <= S.
	StalenessThreshold time.Duration
	// HeartbeatPeriod (H) must be well below S.
	HeartbeatPeriod time.Duration
	// ReapPeriod (R) is how often each session sweeps stale records.
	ReapPeriod time.Duration
	// PollInterval drives poll mode and the fallback while the feed is down.
	PollInterval time.Duration
	// Debounce collapses bursts of change notifications into one reload.
	Debounce time.Duration

	MinToStart int
	MaxSlots   int
	OnFull     FullPolicy
	Mode       Mode

	// JoinTimeout bounds the retries of the initial write.
	JoinTimeout time.Duration
	// OpTimeout bounds every individual store call.
	OpTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StalenessThreshold: 45 * time.Second,
		HeartbeatPeriod:    15 * time.Second,
		ReapPeriod:         45 * time.Second,
		PollInterval:       2 * time.Second,
		Debounce:           250 * time.Millisecond,
		MinToStart:         2,
		MaxSlots:           8,
		OnFull:             FullQueue,
		Mode:               ModeAuto,
		JoinTimeout:        10 * time.Second,
		OpTimeout:          5 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.StalenessThreshold <= 0:
		return fmt.Errorf("%w: staleness threshold must be positive", ErrInvalidConfig)
	case c.HeartbeatPeriod <= 0:
		return fmt.Errorf("%w: heartbeat period must be positive", ErrInvalidConfig)
	case c.HeartbeatPeriod >= c.StalenessThreshold:
		return fmt.Errorf("%w: heartbeat period (%s) must be shorter than staleness threshold (%s)",
			ErrInvalidConfig, c.HeartbeatPeriod, c.StalenessThreshold)
	case c.ReapPeriod <= 0:
		return fmt.Errorf("%w: reap period must be positive", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.Debounce < 0:
		return fmt.Errorf("%w: debounce must not be negative", ErrInvalidConfig)
	case c.MinToStart < 1:
		return fmt.Errorf("%w: minimum participants must be at least 1", ErrInvalidConfig)
	case c.MaxSlots < c.MinToStart:
		return fmt.Errorf("%w: max slots (%d) below minimum participants (%d)", ErrInvalidConfig, c.MaxSlots, c.MinToStart)
	case c.JoinTimeout <= 0 || c.OpTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}

	switch c.OnFull {
	case FullQueue, FullReject:
	default:
		return fmt.Errorf("%w: unknown full policy %q", ErrInvalidConfig, c.OnFull)
	}

	switch c.Mode {
	case ModeAuto, ModePush, ModePoll:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}

	return nil
}
