package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/Seednode/lobbybox/internal/presence"
	"github.com/Seednode/lobbybox/internal/telemetry"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

var baseHeaders = [...][2]string{
	{"Content-Security-Policy", "default-src 'self'"},
	{"Cross-Origin-Embedder-Policy", "require-corp"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-site"},
	{"Permissions-Policy", "camera=(), fullscreen=(self), geolocation=(), microphone=(), payment=(), usb=()"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-Content-Type-Options", "nosniff"},
}

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	h := w.Header()
	for _, kv := range baseHeaders {
		h.Set(kv[0], kv[1])
	}

	if cfg.scheme() == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

// realIP prefers proxy headers over the socket address, keeping the port of
// the connection so tabs from one browser stay distinguishable in the log.
func realIP(r *http.Request) string {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	for _, header := range []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"} {
		v := r.Header.Get(header)
		if v == "" {
			continue
		}
		// X-Forwarded-For lists the client first.
		v, _, _ = strings.Cut(v, ",")
		if ip := net.ParseIP(strings.TrimSpace(v)); ip != nil {
			host = ip.String()
		}
		break
	}

	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("lobbybox v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// newRouter wires every route onto a fresh router.
func newRouter(cfg *Config, store presence.Store, lobby *Lobby, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		logf(cfg, "PANIC: %v serving %s to %s", i, r.URL.Path, realIP(r))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	registerHome(cfg, mux, store, errs)

	registerLobby(cfg, mux, lobby, errs)

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: lobbybox v%s", releaseVersion)

	shutdownTelemetry := telemetry.Noop
	if cfg.otel {
		shutdownTelemetry, err = telemetry.Init(ctx, "lobbybox", releaseVersion)
		if err != nil {
			return err
		}
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logf(cfg, "ERROR: Telemetry shutdown: %v", err)
		}
	}()

	// After telemetry, so --otel can hand the logger its provider.
	log := newLogger(cfg)

	metrics, err := presence.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logf(cfg, "ERROR: Closing store: %v", err)
		}
	}()

	logf(cfg, "STORE: Using %s participant store", cfg.store)

	lobby := newLobby(cfg, store, log, metrics)

	errs := make(chan error, 64)
	go drainErrors(ctx, cfg, errs)

	var handler http.Handler = newRouter(cfg, store, lobby, errs)
	if cfg.h2c {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           handler,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
		serveErr <- listen(cfg, srv)
	}()

	select {
	case err := <-serveErr:
		_ = lobby.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	logf(cfg, "STOP: Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Hijacked websocket connections outlive srv.Shutdown.
	if err := lobby.Shutdown(shutdownCtx); err != nil {
		logf(cfg, "ERROR: Lobby shutdown: %v", err)
	}

	return nil
}

func listen(cfg *Config, srv *http.Server) error {
	var err error
	if cfg.tlsKey != "" && cfg.tlsCert != "" {
		err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("listen on %s: %w", srv.Addr, err)
}
