package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/lobbybox/internal/presence"
)

var thresholds = []time.Duration{30 * time.Second, 45 * time.Second, 60 * time.Second}

var base = time.UnixMilli(1_760_000_000_000)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock {
	return &clock{now: t}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

// testConfig keeps the heartbeat and reaper timers out of the way so tests
// drive them through Beat and SweepNow.
func testConfig(threshold time.Duration) presence.Config {
	cfg := presence.DefaultConfig()
	cfg.StalenessThreshold = threshold
	cfg.HeartbeatPeriod = threshold - time.Second
	cfg.ReapPeriod = time.Hour
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Debounce = 5 * time.Millisecond
	cfg.JoinTimeout = 500 * time.Millisecond
	cfg.OpTimeout = time.Second
	return cfg
}

func profile(name string) presence.Profile {
	return presence.Profile{
		DisplayName: name,
		Appearance:  presence.Appearance{Icon: "Stethoscope", Color: "from-red-500 to-red-600"},
	}
}

func newSession(t *testing.T, store presence.Store, cfg presence.Config, opts ...presence.Option) *presence.Session {
	t.Helper()

	s, err := presence.NewSession(store, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func join(t *testing.T, s *presence.Session, name string) presence.Participant {
	t.Helper()

	p, err := s.Join(context.Background(), profile(name))
	require.NoError(t, err)

	return p
}

func record(name string, joined, seen time.Time) presence.Participant {
	id, _ := presence.NewID()

	return presence.Participant{
		ID:          id,
		DisplayName: name,
		JoinedAt:    joined,
		LastSeen:    seen,
	}
}

func ids(ps []presence.Participant) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func eventuallyRoster(t *testing.T, s *presence.Session, want ...string) {
	t.Helper()

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(s.Roster().Participants))
	}, 2*time.Second, 5*time.Millisecond, "roster never became %v", want)
}
