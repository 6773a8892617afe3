/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package natskv keeps participant records in a NATS JetStream key-value
// bucket, one key per participant id, and watches the bucket as the change
// feed. Every lobbybox instance pointed at the same bucket shares a lobby.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Seednode/lobbybox/internal/presence"
)

const DefaultBucket = "LOBBY_PRESENCE"

var tracer = otel.Tracer("lobbybox/store/natskv")

type Store struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	bucket string
	log    *slog.Logger

	// lost is closed when the connection drops and replaced with a fresh
	// channel, so every feed opened before the drop sees it.
	mu   sync.Mutex
	lost chan struct{}
}

type options struct {
	ttl time.Duration
	log *slog.Logger
}

type Option func(*options)

// WithTTL lets the server drop keys that have not been written for d, as a
// backstop behind the reaper. Expiries made this way are not reported on
// the change feed.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// New binds to bucket, creating or updating it as needed.
func New(ctx context.Context, nc *nats.Conn, bucket string, opts ...Option) (*Store, error) {
	o := options{
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if bucket == "" {
		bucket = DefaultBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w: %w", presence.ErrStoreUnavailable, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "lobbybox participant records",
		History:     1,
		TTL:         o.ttl,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("bind bucket %s: %w: %w", bucket, presence.ErrStoreUnavailable, err)
	}

	o.log.Info("NATS KV bucket ready", "bucket", bucket, "ttl", o.ttl)

	s := &Store{
		nc:     nc,
		kv:     kv,
		bucket: bucket,
		log:    o.log.With("bucket", bucket),
		lost:   make(chan struct{}),
	}

	go s.watchStatus(nc.StatusChanged(nats.RECONNECTING, nats.DISCONNECTED, nats.CLOSED))

	return s, nil
}

// watchStatus is the store's only connection status listener. nats.go has no
// way to unregister one, so feeds share it instead of adding their own.
func (s *Store) watchStatus(events <-chan nats.Status) {
	for st := range events {
		s.mu.Lock()
		close(s.lost)
		s.lost = make(chan struct{})
		s.mu.Unlock()

		s.log.Warn("NATS connection lost, closing change feeds", "status", st)

		if st == nats.CLOSED {
			return
		}
	}
}

func (s *Store) lostSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lost
}

func (s *Store) span(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kv "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("lobby.bucket", s.bucket),
			attribute.String("lobby.participant", id),
		),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func wrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func missing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func unavailable(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, id, presence.ErrStoreUnavailable, err)
}

func (s *Store) Create(ctx context.Context, p presence.Participant) (err error) {
	ctx, span := s.span(ctx, "create", p.ID)
	defer func() { finish(span, err) }()

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	if _, err := s.kv.Create(ctx, p.ID, data); err != nil {
		if wrongRevision(err) {
			return fmt.Errorf("create %s: %w", p.ID, presence.ErrWriteConflict)
		}
		return unavailable("create", p.ID, err)
	}

	return nil
}

func (s *Store) get(ctx context.Context, id string) (presence.Participant, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if missing(err) {
			return presence.Participant{}, 0, fmt.Errorf("get %s: %w", id, presence.ErrNotFound)
		}
		return presence.Participant{}, 0, unavailable("get", id, err)
	}

	var p presence.Participant
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return presence.Participant{}, 0, fmt.Errorf("decode %s: %w", id, err)
	}

	return p, entry.Revision(), nil
}

// Touch is a compare-and-swap on the key's revision, so a heartbeat racing
// a delete fails instead of writing the record back.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) (err error) {
	ctx, span := s.span(ctx, "touch", id)
	defer func() { finish(span, err) }()

	p, rev, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(p.Touched(at))
	if err != nil {
		return err
	}

	if _, err := s.kv.Update(ctx, id, data, rev); err != nil {
		if wrongRevision(err) {
			return fmt.Errorf("touch %s: %w", id, presence.ErrWriteConflict)
		}
		return unavailable("touch", id, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.span(ctx, "delete", id)
	defer func() { finish(span, err) }()

	if err := s.kv.Delete(ctx, id); err != nil && !missing(err) {
		return unavailable("delete", id, err)
	}

	return nil
}

// Expire deletes id only at the revision it was read at, so a heartbeat or
// another sweep landing in between wins.
func (s *Store) Expire(ctx context.Context, id string, cutoff time.Time) (ok bool, err error) {
	ctx, span := s.span(ctx, "expire", id)
	defer func() { finish(span, err) }()

	p, rev, err := s.get(ctx, id)
	if errors.Is(err, presence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !p.LastSeen.Before(cutoff) {
		return false, nil
	}

	if err := s.kv.Delete(ctx, id, jetstream.LastRevision(rev)); err != nil {
		if wrongRevision(err) || missing(err) {
			return false, nil
		}
		return false, unavailable("expire", id, err)
	}

	return true, nil
}

// List reads the bucket's current values through a watcher, which delivers
// every live key followed by a nil marker.
func (s *Store) List(ctx context.Context) (records []presence.Participant, err error) {
	ctx, span := s.span(ctx, "list", "")
	defer func() { finish(span, err) }()

	w, err := s.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, unavailable("list", s.bucket, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, unavailable("list", s.bucket, ctx.Err())
		case entry, ok := <-w.Updates():
			if !ok {
				return nil, unavailable("list", s.bucket, errors.New("watcher closed"))
			}
			if entry == nil {
				span.SetAttributes(attribute.Int("lobby.records", len(records)))
				return records, nil
			}

			var p presence.Participant
			if err := json.Unmarshal(entry.Value(), &p); err != nil {
				s.log.Warn("Skipping undecodable participant record", "key", entry.Key(), "error", err)
				continue
			}
			records = append(records, p)
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("ping: %w: connection %s", presence.ErrStoreUnavailable, s.nc.Status())
	}
	if _, err := s.kv.Status(ctx); err != nil {
		return unavailable("ping", s.bucket, err)
	}
	return nil
}

// Subscribe watches the bucket for future puts and deletes. The feed closes
// when the NATS connection drops, since the watcher cannot vouch for what
// happened while it was gone.
func (s *Store) Subscribe(ctx context.Context) (<-chan presence.Change, error) {
	// Taken before the connection check so a drop in between still closes
	// the feed.
	lost := s.lostSignal()

	if !s.nc.IsConnected() {
		return nil, fmt.Errorf("subscribe: %w: connection %s", presence.ErrStoreUnavailable, s.nc.Status())
	}

	w, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return nil, unavailable("subscribe", s.bucket, err)
	}

	out := make(chan presence.Change, 16)

	go func() {
		// Stop blocks for the request timeout while the connection is down.
		defer func() {
			close(out)
			_ = w.Stop()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}

				c := presence.Change{Op: presence.OpPut, ID: entry.Key()}
				if entry.Operation() != jetstream.KeyValuePut {
					c.Op = presence.OpDelete
				}

				select {
				case out <- c:
				default:
				}
			}
		}
	}()

	return out, nil
}
