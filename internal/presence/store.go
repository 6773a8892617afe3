/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"context"
	"time"
)

// Store is the shared participant record store. It is the only state that
// sessions share. A session writes only its own record; any session may
// expire stale records.
//
// Implementations wrap transport failures with ErrStoreUnavailable.
type Store interface {
	// Create inserts p. It fails with ErrWriteConflict if p.ID exists.
	Create(ctx context.Context, p Participant) error
	// Touch moves LastSeen of an existing record forward to at. It never
	// creates a record and fails with ErrNotFound if id is absent.
	Touch(ctx context.Context, id string, at time.Time) error
	// Delete removes id. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
	// Expire removes id only if its LastSeen is still before cutoff, and
	// reports whether it did. Absent or refreshed records return false.
	Expire(ctx context.Context, id string, cutoff time.Time) (bool, error)
	// List returns every record currently stored, in no particular order.
	List(ctx context.Context) ([]Participant, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
	// OpChanged is sent by feeds that cannot say what changed.
	OpChanged Op = "changed"
)

// Change is a single notification from a Feed. ID may be empty.
type Change struct {
	Op Op
	ID string
}

// Feed reports future changes to a Store. The returned channel is closed
// when ctx ends or the subscription drops; a drop before ctx ends is a
// notification gap. Delivery is at most once and may be coalesced.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// Status is the connectivity state handed to presentation code.
type Status string

const (
	StatusConnecting  Status = "connecting"
	StatusConnected   Status = "connected"
	StatusUnavailable Status = "unavailable"
)

// State is the lifecycle of a session's own participant.
type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateLive    State = "live"
	StateLeft    State = "left"
	StateExpired State = "expired"
)
