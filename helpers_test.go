package main

import (
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Seednode/lobbybox/internal/presence"
	"github.com/Seednode/lobbybox/internal/store/memory"
)

func testConfig() *Config {
	return &Config{
		bind:               "127.0.0.1",
		port:               8080,
		store:              "memory",
		natsBucket:         "LOBBY_PRESENCE",
		postgresTable:      "lobby_participants",
		stalenessThreshold: 3 * time.Second,
		heartbeatPeriod:    time.Second,
		reapPeriod:         3 * time.Second,
		pollInterval:       50 * time.Millisecond,
		debounce:           5 * time.Millisecond,
		minPlayers:         2,
		maxSlots:           3,
		onFull:             string(presence.FullQueue),
		mode:               string(presence.ModeAuto),
	}
}

type server struct {
	*httptest.Server

	cfg   *Config
	store *memory.Store
	lobby *Lobby
}

func newServer(t *testing.T, cfg *Config) *server {
	t.Helper()

	require.NoError(t, cfg.validate())

	log := slog.New(slog.DiscardHandler)

	metrics, err := presence.NewMetrics(nil)
	require.NoError(t, err)

	store := memory.New()
	lobby := newLobby(cfg, store, log, metrics)

	errs := make(chan error, 64)
	srv := httptest.NewServer(newRouter(cfg, store, lobby, errs))

	t.Cleanup(func() {
		srv.CloseClientConnections()
		_ = lobby.Shutdown(t.Context())
		srv.Close()
	})

	return &server{Server: srv, cfg: cfg, store: store, lobby: lobby}
}
