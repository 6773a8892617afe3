/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Seednode/lobbybox/internal/presence"
	"github.com/Seednode/lobbybox/internal/telemetry"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// newLogger is the structured logger handed to the engine and the stores.
// --verbose lowers it to debug; --otel also ships every record over OTLP.
func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if cfg.otel {
		handler = slog.NewMultiHandler(handler, telemetry.LogHandler("lobbybox"))
	}

	return slog.New(handler)
}

// drainErrors logs handler write errors until ctx ends.
func drainErrors(ctx context.Context, cfg *Config, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			logf(cfg, "ERROR: %v", err)
		}
	}
}

// errorCode maps engine errors onto the codes the lobby page understands.
func errorCode(err error) string {
	switch {
	case errors.Is(err, presence.ErrInvalidProfile):
		return "invalid_profile"
	case errors.Is(err, presence.ErrLobbyFull):
		return "lobby_full"
	case errors.Is(err, presence.ErrNotEnoughPlayers):
		return "not_enough_players"
	case errors.Is(err, presence.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, presence.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, presence.ErrNotSeated):
		return "not_seated"
	case errors.Is(err, presence.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "store_unavailable"
	default:
		return "internal"
	}
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
