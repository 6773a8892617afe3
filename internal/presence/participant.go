/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxDisplayName = 64

// Appearance is the presentation bundle picked alongside a role. The engine
// stores it and hands it back, nothing more.
type Appearance struct {
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

// Profile is what the role picker hands over before Join.
type Profile struct {
	DisplayName string     `json:"displayName"`
	Appearance  Appearance `json:"appearance"`
}

func (p Profile) Validate() error {
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidProfile)
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		return fmt.Errorf("%w: display name longer than %d characters", ErrInvalidProfile, maxDisplayName)
	}
	return nil
}

// Participant is one joined session's presence record.
type Participant struct {
	ID          string
	DisplayName string
	Appearance  Appearance
	// JoinedAt is LastSeen at creation and orders the roster.
	JoinedAt time.Time
	LastSeen time.Time
}

// NewID returns a time-ordered identifier with a random tail, so sessions
// never need to coordinate to avoid collisions.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newParticipant(profile Profile, now time.Time) (Participant, error) {
	id, err := NewID()
	if err != nil {
		return Participant{}, err
	}
	return Participant{
		ID:          id,
		DisplayName: strings.TrimSpace(profile.DisplayName),
		Appearance:  profile.Appearance,
		JoinedAt:    now,
		LastSeen:    now,
	}, nil
}

// Live reports whether p has been seen within threshold of now.
func (p Participant) Live(now time.Time, threshold time.Duration) bool {
	return now.Sub(p.LastSeen) <= threshold
}

// Touched returns a copy of p with LastSeen moved to at, never backwards.
func (p Participant) Touched(at time.Time) Participant {
	if at.After(p.LastSeen) {
		p.LastSeen = at
	}
	return p
}

// record is the wire form shared by every store backend and the websocket
// bridge. Times are Unix milliseconds.
type record struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Appearance  Appearance `json:"appearance"`
	JoinedAt    int64      `json:"joinedAt"`
	LastSeen    int64      `json:"lastSeen"`
}

func (p Participant) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Appearance:  p.Appearance,
		JoinedAt:    p.JoinedAt.UnixMilli(),
		LastSeen:    p.LastSeen.UnixMilli(),
	})
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("participant record without id")
	}
	*p = Participant{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		Appearance:  r.Appearance,
		JoinedAt:    time.UnixMilli(r.JoinedAt),
		LastSeen:    time.UnixMilli(r.LastSeen),
	}
	return nil
}
