package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/lobbybox/internal/presence"
	"github.com/Seednode/lobbybox/internal/store/storetest"
)

func testDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("LOBBYBOX_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("LOBBYBOX_TEST_POSTGRES_URL not set")
	}
	return dsn
}

func dropTable(t *testing.T, dsn, table string) {
	t.Helper()

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %[1]s; DROP FUNCTION IF EXISTS %[1]s_notify();`, table))
	assert.NoError(t, err)
}

func TestStoreContract(t *testing.T) {
	dsn := testDSN(t)

	var n atomic.Int64
	storetest.Run(t, func(t *testing.T) presence.Store {
		table := fmt.Sprintf("lobby_test_%d_%d", os.Getpid(), n.Add(1))

		s, err := Open(context.Background(), dsn, table, nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			s.Close()
			dropTable(t, dsn, table)
		})

		return s
	})
}

func TestOpenRejectsBadTableName(t *testing.T) {
	for _, table := range []string{"Lobby", "lobby;drop", "1lobby", "lobby-participants"} {
		_, err := Open(context.Background(), "postgres://unused", table, nil)
		assert.ErrorIs(t, err, presence.ErrInvalidConfig, table)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		extra string
		want  presence.Change
	}{
		{"INSERT:abc", presence.Change{Op: presence.OpPut, ID: "abc"}},
		{"UPDATE:abc", presence.Change{Op: presence.OpPut, ID: "abc"}},
		{"DELETE:abc", presence.Change{Op: presence.OpDelete, ID: "abc"}},
		{"TRUNCATE", presence.Change{Op: presence.OpChanged}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parse(&pq.Notification{Extra: tt.extra}), tt.extra)
	}

	assert.Equal(t, presence.Change{Op: presence.OpChanged}, parse(nil))
}
