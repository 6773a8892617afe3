/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/Seednode/lobbybox/internal/presence"
	"github.com/Seednode/lobbybox/internal/store/memory"
	"github.com/Seednode/lobbybox/internal/store/natskv"
	"github.com/Seednode/lobbybox/internal/store/postgres"
)

const storeWait = time.Minute

type closer func() error

// openStore connects the configured backend, waiting for it to come up the
// way a container started next to its database has to.
func openStore(ctx context.Context, cfg *Config, log *slog.Logger) (presence.Store, closer, error) {
	var (
		store presence.Store
		done  closer = func() error { return nil }
	)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = storeWait

	attempt := 0
	connect := func() error {
		attempt++

		var err error
		store, done, err = dial(ctx, cfg, log)
		if errors.Is(err, presence.ErrInvalidConfig) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Info("Waiting for participant store", "store", cfg.store, "attempt", attempt, "error", err)
		}
		return err
	}

	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, nil, fmt.Errorf("participant store %s not ready: %w", cfg.store, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := store.Ping(pingCtx); err != nil {
		_ = done()
		return nil, nil, err
	}

	return store, done, nil
}

func dial(ctx context.Context, cfg *Config, log *slog.Logger) (presence.Store, closer, error) {
	switch cfg.store {
	case "nats":
		opts := []nats.Option{
			nats.Name("lobbybox"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2 * time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("NATS reconnected", "url", nc.ConnectedUrlRedacted())
			}),
		}
		if cfg.natsUser != "" {
			opts = append(opts, nats.UserInfo(cfg.natsUser, cfg.natsPass))
		}

		nc, err := nats.Connect(cfg.natsURL, opts...)
		if err != nil {
			return nil, nil, err
		}

		// Records that outlive every reaper still go eventually.
		s, err := natskv.New(ctx, nc, cfg.natsBucket,
			natskv.WithLogger(log),
			natskv.WithTTL(4*cfg.stalenessThreshold))
		if err != nil {
			nc.Close()
			return nil, nil, err
		}

		return s, func() error {
			return nc.Drain()
		}, nil

	case "postgres":
		s, err := postgres.Open(ctx, cfg.postgresURL, cfg.postgresTable, log)
		if err != nil {
			return nil, nil, err
		}

		return s, s.Close, nil

	default:
		return memory.New(), func() error { return nil }, nil
	}
}
