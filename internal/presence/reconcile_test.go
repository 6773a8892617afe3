package presence_test

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Seednode/lobbybox/internal/presence"
)

func TestReconcileLiveness(t *testing.T) {
	for _, threshold := range thresholds {
		t.Run(threshold.String(), func(t *testing.T) {
			now := base.Add(time.Hour)

			edge := record("edge", base, now.Add(-threshold))
			stale := record("stale", base, now.Add(-threshold-time.Millisecond))
			fresh := record("fresh", base.Add(time.Second), now)

			got := presence.Reconcile([]presence.Participant{stale, fresh, edge}, now, threshold)

			assert.ElementsMatch(t, []string{edge.ID, fresh.ID}, ids(got), "seen exactly threshold ago is still live")
			for _, p := range got {
				assert.LessOrEqual(t, now.Sub(p.LastSeen), threshold)
			}
		})
	}
}

func TestReconcileOrder(t *testing.T) {
	now := base.Add(time.Minute)

	first := record("Gestion", base, now)
	second := record("Droit", base.Add(time.Second), now)
	third := record("Nurs", base.Add(2*time.Second), now)

	// Same join time: the smaller id goes first.
	tieA := record("a", base.Add(3*time.Second), now)
	tieB := record("b", base.Add(3*time.Second), now)
	if tieB.ID < tieA.ID {
		tieA, tieB = tieB, tieA
	}

	want := []string{first.ID, second.ID, third.ID, tieA.ID, tieB.ID}
	records := []presence.Participant{tieB, third, first, tieA, second}

	for range 20 {
		rand.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
		assert.Equal(t, want, ids(presence.Reconcile(records, now, 45*time.Second)))
	}
}

func TestReconcileDeduplicates(t *testing.T) {
	now := base.Add(time.Minute)

	older := record("Droit", base, now.Add(-20*time.Second))
	newer := older
	newer.LastSeen = now.Add(-5 * time.Second)
	newer.DisplayName = "Droit (renamed)"

	for _, records := range [][]presence.Participant{{older, newer}, {newer, older}} {
		got := presence.Reconcile(records, now, 45*time.Second)
		if assert.Len(t, got, 1) {
			assert.Equal(t, "Droit (renamed)", got[0].DisplayName, "latest heartbeat wins")
		}
	}
}

func TestReconcileLeavesInputAlone(t *testing.T) {
	now := base.Add(time.Minute)
	records := []presence.Participant{
		record("b", base.Add(time.Second), now),
		record("a", base, now),
		record("gone", base, base),
	}
	before := slices.Clone(records)

	presence.Reconcile(records, now, 45*time.Second)

	assert.Equal(t, before, records)
}

func TestReconcileEmpty(t *testing.T) {
	assert.Empty(t, presence.Reconcile(nil, base, 45*time.Second))
}

func TestRosterSlots(t *testing.T) {
	now := base.Add(time.Minute)

	var ps []presence.Participant
	for i := range 10 {
		ps = append(ps, record("p", base.Add(time.Duration(i)*time.Second), now))
	}

	r := presence.Roster{
		Participants: ps,
		Status:       presence.StatusConnected,
		Capacity:     8,
		MinToStart:   2,
	}

	assert.Len(t, r.Visible(), 8)
	assert.Equal(t, ids(ps[8:]), ids(r.Overflow()))
	assert.True(t, r.Full())
	assert.True(t, r.CanStart())
	assert.True(t, r.Contains(ps[9].ID))
	assert.False(t, r.Contains("nobody"))

	r.Participants = ps[:1]
	assert.False(t, r.Full())
	assert.Nil(t, r.Overflow())
	assert.False(t, r.CanStart(), "one participant is not enough")

	r.Participants = ps[:2]
	r.Status = presence.StatusUnavailable
	assert.False(t, r.CanStart(), "start is gated on connectivity")
}
