/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"slices"
	"time"
)

// Reconcile turns raw store contents into the lobby membership: live
// records only, one per id, first-joined first. The input is not modified
// and its order does not matter.
func Reconcile(records []Participant, now time.Time, threshold time.Duration) []Participant {
	byID := make(map[string]Participant, len(records))
	for _, p := range records {
		if prev, ok := byID[p.ID]; ok && !supersedes(p, prev) {
			continue
		}
		byID[p.ID] = p
	}

	live := make([]Participant, 0, len(byID))
	for _, p := range byID {
		if p.Live(now, threshold) {
			live = append(live, p)
		}
	}

	slices.SortFunc(live, compareJoinOrder)

	return live
}

// supersedes picks between two copies of the same record: the latest
// heartbeat wins, remaining ties go to a fixed field order.
func supersedes(p, prev Participant) bool {
	if c := p.LastSeen.Compare(prev.LastSeen); c != 0 {
		return c > 0
	}
	if c := p.JoinedAt.Compare(prev.JoinedAt); c != 0 {
		return c < 0
	}
	return p.DisplayName < prev.DisplayName
}

func compareJoinOrder(a, b Participant) int {
	if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Roster is what presentation code renders: the reconciled list plus the
// facts it needs to draw slots and gate the start button.
type Roster struct {
	Participants []Participant
	Self         string
	Status       Status
	Capacity     int
	MinToStart   int
	UpdatedAt    time.Time
}

// Visible returns the participants that fit in the displayed slots.
func (r Roster) Visible() []Participant {
	if r.Capacity <= 0 || len(r.Participants) <= r.Capacity {
		return r.Participants
	}
	return r.Participants[:r.Capacity]
}

// Overflow returns participants waiting for a slot.
func (r Roster) Overflow() []Participant {
	if r.Capacity <= 0 || len(r.Participants) <= r.Capacity {
		return nil
	}
	return r.Participants[r.Capacity:]
}

func (r Roster) Full() bool {
	return r.Capacity > 0 && len(r.Participants) >= r.Capacity
}

// CanStart reports whether a start would succeed. A roster seen by a
// session also needs that session seated; one waiting in overflow cannot
// start a game it is not part of.
func (r Roster) CanStart() bool {
	if r.Self != "" && !r.Seated() {
		return false
	}
	return r.Status == StatusConnected && len(r.Visible()) >= r.MinToStart
}

// Seated reports whether Self holds one of the displayed slots.
func (r Roster) Seated() bool {
	return slices.ContainsFunc(r.Visible(), func(p Participant) bool {
		return p.ID == r.Self
	})
}

func (r Roster) Contains(id string) bool {
	return slices.ContainsFunc(r.Participants, func(p Participant) bool {
		return p.ID == id
	})
}

// Snapshot is the roster frozen at the moment a start action fired. It is
// the authoritative line-up for the game that follows.
type Snapshot struct {
	Participants []Participant `json:"participants"`
	TakenAt      time.Time     `json:"takenAt"`
}
