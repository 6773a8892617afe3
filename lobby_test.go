package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/lobbybox/internal/presence"
)

// inbound is every server message folded into one shape.
type inbound struct {
	Type         string                 `json:"type"`
	Self         string                 `json:"self"`
	State        presence.State         `json:"state"`
	Status       presence.Status        `json:"status"`
	Participants []presence.Participant `json:"participants"`
	Overflow     []presence.Participant `json:"overflow"`
	CanStart     bool                   `json:"canStart"`
	Capacity     int                    `json:"capacity"`
	Code         string                 `json:"code"`
	TakenAt      int64                  `json:"takenAt"`
}

func connect(t *testing.T, srv *server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + srv.cfg.prefix + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(msg))
}

// await reads until a message satisfies match.
func await(t *testing.T, conn *websocket.Conn, match func(inbound) bool) inbound {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	for {
		var msg inbound
		require.NoError(t, conn.ReadJSON(&msg))

		if match(msg) {
			return msg
		}
	}
}

// rosterOf matches a live roster holding n participants, slots and overflow together.
func rosterOf(n int) func(inbound) bool {
	return func(m inbound) bool {
		return m.Type == "roster" && m.State == presence.StateLive && len(m.Participants)+len(m.Overflow) == n
	}
}

func errorCoded(code string) func(inbound) bool {
	return func(m inbound) bool {
		return m.Type == "error" && m.Code == code
	}
}

func names(ps []presence.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.DisplayName)
	}
	return out
}

func TestJoinStartAndLeave(t *testing.T) {
	srv := newServer(t, testConfig())

	ada := connect(t, srv)
	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada", Icon: "🦊", Color: "teal"})

	first := await(t, ada, rosterOf(1))
	assert.Equal(t, presence.StatusConnected, first.Status)
	assert.Equal(t, first.Self, first.Participants[0].ID)
	assert.Equal(t, "🦊", first.Participants[0].Appearance.Icon)
	assert.False(t, first.CanStart)
	assert.Equal(t, 3, first.Capacity)

	send(t, ada, clientMessage{Type: "start"})
	await(t, ada, errorCoded("not_enough_players"))

	bob := connect(t, srv)
	send(t, bob, clientMessage{Type: "join", DisplayName: "Bob"})
	await(t, bob, rosterOf(2))

	both := await(t, ada, rosterOf(2))
	assert.Equal(t, []string{"Ada", "Bob"}, names(both.Participants))
	assert.True(t, both.CanStart)

	send(t, ada, clientMessage{Type: "start"})
	started := await(t, ada, func(m inbound) bool { return m.Type == "started" })
	assert.Equal(t, []string{"Ada", "Bob"}, names(started.Participants))
	assert.NotZero(t, started.TakenAt)

	send(t, bob, clientMessage{Type: "leave"})

	after := await(t, ada, rosterOf(1))
	assert.Equal(t, []string{"Ada"}, names(after.Participants))
}

func TestDisconnectRemovesParticipant(t *testing.T) {
	srv := newServer(t, testConfig())

	ada := connect(t, srv)
	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada"})
	await(t, ada, rosterOf(1))

	bob := connect(t, srv)
	send(t, bob, clientMessage{Type: "join", DisplayName: "Bob"})
	await(t, ada, rosterOf(2))

	require.NoError(t, bob.Close())

	after := await(t, ada, rosterOf(1))
	assert.Equal(t, []string{"Ada"}, names(after.Participants))

	assert.Eventually(t, func() bool {
		records, err := srv.store.List(t.Context())
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOverflowQueues(t *testing.T) {
	srv := newServer(t, testConfig())

	conns := make([]*websocket.Conn, 4)
	var waiting inbound
	for i := range conns {
		conns[i] = connect(t, srv)
		send(t, conns[i], clientMessage{Type: "join", DisplayName: fmt.Sprintf("player %d", i)})
		waiting = await(t, conns[i], rosterOf(i+1))
	}

	last := await(t, conns[0], rosterOf(4))
	assert.Len(t, last.Participants, 3)
	assert.Equal(t, []string{"player 3"}, names(last.Overflow))
	assert.True(t, last.CanStart)

	assert.Equal(t, []string{"player 3"}, names(waiting.Overflow))
	assert.False(t, waiting.CanStart, "overflow cannot start")

	send(t, conns[3], clientMessage{Type: "start"})
	await(t, conns[3], errorCoded("not_seated"))
}

func TestJoinErrors(t *testing.T) {
	cfg := testConfig()
	cfg.maxSlots = 2
	cfg.onFull = string(presence.FullReject)

	srv := newServer(t, cfg)

	ada := connect(t, srv)

	send(t, ada, clientMessage{Type: "join", DisplayName: "   "})
	await(t, ada, errorCoded("invalid_profile"))

	send(t, ada, clientMessage{Type: "leave"})
	await(t, ada, errorCoded("not_joined"))

	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada"})
	await(t, ada, rosterOf(1))

	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada again"})
	await(t, ada, errorCoded("already_joined"))

	bob := connect(t, srv)
	send(t, bob, clientMessage{Type: "join", DisplayName: "Bob"})
	await(t, bob, rosterOf(2))

	eve := connect(t, srv)
	send(t, eve, clientMessage{Type: "join", DisplayName: "Eve"})
	await(t, eve, errorCoded("lobby_full"))
}

func TestRejoinAfterLeave(t *testing.T) {
	srv := newServer(t, testConfig())

	ada := connect(t, srv)
	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada"})
	first := await(t, ada, rosterOf(1))

	send(t, ada, clientMessage{Type: "leave"})
	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada"})

	second := await(t, ada, func(m inbound) bool {
		return m.Type == "roster" && m.State == presence.StateLive && m.Self != first.Self
	})
	assert.Equal(t, []string{"Ada"}, names(second.Participants))
}

func TestOutageExpiresAndRejoins(t *testing.T) {
	srv := newServer(t, testConfig())

	ada := connect(t, srv)
	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada"})
	first := await(t, ada, rosterOf(1))

	srv.store.SetDown(true)

	expired := await(t, ada, func(m inbound) bool {
		return m.Type == "roster" && m.State == presence.StateExpired
	})
	assert.Equal(t, presence.StatusUnavailable, expired.Status)
	assert.False(t, expired.CanStart)

	srv.store.SetDown(false)

	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada"})

	back := await(t, ada, func(m inbound) bool {
		return m.Type == "roster" && m.State == presence.StateLive && m.Self != first.Self
	})
	assert.Equal(t, presence.StatusConnected, back.Status)
}

func TestShutdownDisconnectsClients(t *testing.T) {
	srv := newServer(t, testConfig())

	ada := connect(t, srv)
	send(t, ada, clientMessage{Type: "join", DisplayName: "Ada"})
	await(t, ada, rosterOf(1))

	require.NoError(t, srv.lobby.Shutdown(t.Context()))

	records, err := srv.store.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, records)

	// Connections arriving after shutdown are dropped straight away.
	late := connect(t, srv)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{presence.ErrInvalidProfile, "invalid_profile"},
		{fmt.Errorf("wrapped: %w", presence.ErrLobbyFull), "lobby_full"},
		{presence.ErrNotEnoughPlayers, "not_enough_players"},
		{presence.ErrAlreadyJoined, "already_joined"},
		{presence.ErrNotJoined, "not_joined"},
		{presence.ErrNotSeated, "not_seated"},
		{presence.ErrStoreUnavailable, "store_unavailable"},
		{errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), tt.err.Error())
	}
}
