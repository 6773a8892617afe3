/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package postgres keeps participant records in a PostgreSQL table. Row
// changes are announced by a trigger through NOTIFY, which Subscribe turns
// into the change feed.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/Seednode/lobbybox/internal/presence"
)

const (
	DefaultTable = "lobby_participants"

	uniqueViolation = "23505"
	listenTimeout   = 5 * time.Second
)

var validTable = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type Store struct {
	db    *sql.DB
	dsn   string
	table string
	log   *slog.Logger
}

// Open connects to dsn and makes sure the table and its notify trigger
// exist.
func Open(ctx context.Context, dsn, table string, log *slog.Logger) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTable.MatchString(table) {
		return nil, fmt.Errorf("table %q: %w", table, presence.ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))

	s := &Store{
		db:    db,
		dsn:   dsn,
		table: table,
		log:   log.With("table", table),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info("PostgreSQL store ready")

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	t := s.table

	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	icon         TEXT NOT NULL DEFAULT '',
	color        TEXT NOT NULL DEFAULT '',
	joined_at    BIGINT NOT NULL,
	last_seen    BIGINT NOT NULL
);

CREATE OR REPLACE FUNCTION %[1]s_notify() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('%[1]s', 'DELETE:' || OLD.id);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('%[1]s', TG_OP || ':' || NEW.id);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %[1]s_notify ON %[1]s;
CREATE TRIGGER %[1]s_notify
	AFTER INSERT OR UPDATE OR DELETE ON %[1]s
	FOR EACH ROW EXECUTE FUNCTION %[1]s_notify();
`, t)

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return unavailable("migrate", t, err)
	}

	return nil
}

func unavailable(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, id, presence.ErrStoreUnavailable, err)
}

func (s *Store) Create(ctx context.Context, p presence.Participant) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, display_name, icon, color, joined_at, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6)`, s.table),
		p.ID, p.DisplayName, p.Appearance.Icon, p.Appearance.Color,
		p.JoinedAt.UnixMilli(), p.LastSeen.UnixMilli())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("create %s: %w", p.ID, presence.ErrWriteConflict)
		}
		return unavailable("create", p.ID, err)
	}

	return nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET last_seen = GREATEST(last_seen, $2) WHERE id = $1`, s.table),
		id, at.UnixMilli())
	if err != nil {
		return unavailable("touch", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("touch", id, err)
	}
	if n == 0 {
		return fmt.Errorf("touch %s: %w", id, presence.ErrNotFound)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id); err != nil {
		return unavailable("delete", id, err)
	}

	return nil
}

// Expire re-checks the cutoff inside the DELETE, so a heartbeat committed
// first keeps the row.
func (s *Store) Expire(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND last_seen < $2`, s.table),
		id, cutoff.UnixMilli())
	if err != nil {
		return false, unavailable("expire", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("expire", id, err)
	}

	return n > 0, nil
}

func (s *Store) List(ctx context.Context) ([]presence.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, display_name, icon, color, joined_at, last_seen FROM %s`, s.table))
	if err != nil {
		return nil, unavailable("list", s.table, err)
	}
	defer rows.Close()

	var records []presence.Participant
	for rows.Next() {
		var (
			p            presence.Participant
			joined, seen int64
		)
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Appearance.Icon, &p.Appearance.Color, &joined, &seen); err != nil {
			return nil, unavailable("list", s.table, err)
		}
		p.JoinedAt = time.UnixMilli(joined)
		p.LastSeen = time.UnixMilli(seen)
		records = append(records, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", s.table, err)
	}

	return records, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", s.table, err)
	}
	return nil
}

// Subscribe opens a dedicated LISTEN connection. The feed closes when that
// connection drops, since notifications sent meanwhile are lost.
func (s *Store) Subscribe(ctx context.Context) (<-chan presence.Change, error) {
	events := make(chan pq.ListenerEventType, 4)
	l := pq.NewListener(s.dsn, 100*time.Millisecond, 5*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Debug("Listener event", "event", ev, "error", err)
		}
		select {
		case events <- ev:
		default:
		}
	})

	// Listen blocks until the server acknowledges, which never happens while
	// the database is unreachable.
	listened := make(chan error, 1)
	go func() {
		listened <- l.Listen(s.table)
	}()

	select {
	case err := <-listened:
		if err != nil {
			l.Close()
			return nil, unavailable("listen", s.table, err)
		}
	case <-time.After(listenTimeout):
		l.Close()
		return nil, unavailable("listen", s.table, errors.New("timed out"))
	case <-ctx.Done():
		l.Close()
		return nil, unavailable("listen", s.table, ctx.Err())
	}

	out := make(chan presence.Change, 16)

	go func() {
		defer close(out)
		defer l.Close()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if ev == pq.ListenerEventDisconnected || ev == pq.ListenerEventConnectionAttemptFailed {
					s.log.Warn("LISTEN connection lost, closing change feed")
					return
				}
			case <-keepalive.C:
				if err := l.Ping(); err != nil {
					s.log.Warn("LISTEN connection unhealthy, closing change feed", "error", err)
					return
				}
			case n := <-l.Notify:
				select {
				case out <- parse(n):
				default:
				}
			}
		}
	}()

	return out, nil
}

// parse reads the trigger's "OP:id" payload. pq delivers nil after a
// reconnect, which only says that something may have changed.
func parse(n *pq.Notification) presence.Change {
	if n == nil {
		return presence.Change{Op: presence.OpChanged}
	}

	op, id, _ := strings.Cut(n.Extra, ":")
	switch op {
	case "INSERT", "UPDATE":
		return presence.Change{Op: presence.OpPut, ID: id}
	case "DELETE":
		return presence.Change{Op: presence.OpDelete, ID: id}
	default:
		return presence.Change{Op: presence.OpChanged}
	}
}
