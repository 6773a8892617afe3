/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Lobbybox waiting room
//
// Every browser tab that opens the lobby page gets a websocket and, once it
// joins, its own presence session. The session keeps the tab's participant
// record alive in the shared store and streams the reconciled roster back.
//
// Features:
// - Join with a display name, icon and colour; leave explicitly or by closing the tab
// - Fixed number of slots with a "YOU" badge; late joiners wait in overflow
// - Start enabled once enough players are in and the store is reachable
// - Tabs on other lobbybox instances sharing the store show up the same way
// - Read-only roster at /roster for public display screens
// - In-browser QR code to share the lobby, backed by go-qrcode

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/lobbybox/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

// Messages coming from clients
type clientMessage struct {
	Type        string `json:"type"` // "join", "leave", "start"
	DisplayName string `json:"displayName,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
}

// rosterMessage is sent whenever the session's view of the lobby changes.
type rosterMessage struct {
	Type         string                 `json:"type"` // "roster"
	Self         string                 `json:"self,omitempty"`
	State        presence.State         `json:"state"`
	Status       presence.Status        `json:"status"`
	Participants []presence.Participant `json:"participants"`
	Overflow     []presence.Participant `json:"overflow"`
	CanStart     bool                   `json:"canStart"`
	Capacity     int                    `json:"capacity"`
	MinToStart   int                    `json:"minToStart"`
}

type statusMessage struct {
	Type   string          `json:"type"` // "status"
	Status presence.Status `json:"status"`
}

type startedMessage struct {
	Type         string                 `json:"type"` // "started"
	Participants []presence.Participant `json:"participants"`
	TakenAt      int64                  `json:"takenAt"`
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// rosterView is the /roster response body.
type rosterView struct {
	Status       presence.Status        `json:"status"`
	Participants []presence.Participant `json:"participants"`
	Overflow     []presence.Participant `json:"overflow"`
	Capacity     int                    `json:"capacity"`
	MinToStart   int                    `json:"minToStart"`
	UpdatedAt    int64                  `json:"updatedAt"`
}

func nonNil(ps []presence.Participant) []presence.Participant {
	if ps == nil {
		return []presence.Participant{}
	}
	return ps
}

func newRosterMessage(r presence.Roster, state presence.State) rosterMessage {
	return rosterMessage{
		Type:         "roster",
		Self:         r.Self,
		State:        state,
		Status:       r.Status,
		Participants: nonNil(r.Visible()),
		Overflow:     nonNil(r.Overflow()),
		CanStart:     state == presence.StateLive && r.CanStart(),
		Capacity:     r.Capacity,
		MinToStart:   r.MinToStart,
	}
}

func newErrorMessage(err error) errorMessage {
	return errorMessage{
		Type:    "error",
		Code:    errorCode(err),
		Message: err.Error(),
	}
}

// Lobby binds websocket clients to presence sessions on one shared store.
type Lobby struct {
	cfg     *Config
	store   presence.Store
	engine  presence.Config
	log     *slog.Logger
	metrics *presence.Metrics

	mu      sync.Mutex
	closing bool
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func newLobby(cfg *Config, store presence.Store, log *slog.Logger, metrics *presence.Metrics) *Lobby {
	return &Lobby{
		cfg:     cfg,
		store:   store,
		engine:  cfg.presence(),
		log:     log,
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
}

func (l *Lobby) track(c *client) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closing {
		return false
	}

	l.clients[c] = struct{}{}
	l.wg.Add(1)

	return true
}

func (l *Lobby) untrack(c *client) {
	l.mu.Lock()
	delete(l.clients, c)
	l.mu.Unlock()

	l.wg.Done()
}

// Shutdown disconnects every client and waits for their sessions to leave.
func (l *Lobby) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	for c := range l.clients {
		_ = c.conn.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) newSession(remote string) (*presence.Session, error) {
	return presence.NewSession(l.store, l.engine,
		presence.WithLogger(l.log.With("remote", remote)),
		presence.WithMetrics(l.metrics),
	)
}

type client struct {
	lobby  *Lobby
	conn   *websocket.Conn
	send   chan any
	remote string

	// session is only touched by the read loop.
	session *presence.Session
	wg      sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, l *Lobby) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "LOBBY: Upgrade from %s failed: %v", realIP(r), err)
			return
		}

		c := &client{
			lobby:  l,
			conn:   conn,
			send:   make(chan any, sendBuffer),
			remote: realIP(r),
		}

		if !l.track(c) {
			_ = conn.Close()
			return
		}
		defer l.untrack(c)

		logf(cfg, "LOBBY: Client %s connected", c.remote)

		go c.writePump()
		c.readPump()
		c.teardown()

		logf(cfg, "LOBBY: Client %s disconnected", c.remote)
	}
}

// queue never blocks the caller. A client that cannot keep up is
// disconnected, and its tab reconnects with a fresh roster.
func (c *client) queue(msg any) {
	select {
	case c.send <- msg:
	default:
		logf(c.lobby.cfg, "LOBBY: Client %s too slow, disconnecting", c.remote)
		_ = c.conn.Close()
	}
}

func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			c.join(presence.Profile{
				DisplayName: msg.DisplayName,
				Appearance:  presence.Appearance{Icon: msg.Icon, Color: msg.Color},
			})
		case "leave":
			c.leave()
		case "start":
			c.start()
		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forward relays a session's roster updates until the session leaves.
func (c *client) forward(s *presence.Session) {
	defer c.wg.Done()

	var last presence.Status
	for r := range s.Updates() {
		if r.Status != last {
			c.queue(statusMessage{Type: "status", Status: r.Status})
			last = r.Status
		}
		c.queue(newRosterMessage(r, s.State()))
	}
}

func (c *client) join(profile presence.Profile) {
	if c.session != nil {
		switch c.session.State() {
		case presence.StateLeft, presence.StateExpired:
			// A finished session cannot join again; start over with a new one.
			_ = c.session.Close()
			c.session = nil
		}
	}

	if c.session == nil {
		s, err := c.lobby.newSession(c.remote)
		if err != nil {
			c.queue(newErrorMessage(err))
			return
		}
		c.session = s

		c.wg.Add(1)
		go c.forward(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.lobby.engine.JoinTimeout+c.lobby.engine.OpTimeout)
	defer cancel()

	p, err := c.session.Join(ctx, profile)
	if err != nil {
		c.queue(newErrorMessage(err))
		return
	}

	logf(c.lobby.cfg, "LOBBY: %q joined as %s from %s", p.DisplayName, p.ID, c.remote)
}

func (c *client) leave() {
	if c.session == nil || c.session.Self() == "" {
		c.queue(newErrorMessage(presence.ErrNotJoined))
		return
	}

	id := c.session.Self()

	ctx, cancel := context.WithTimeout(context.Background(), c.lobby.engine.OpTimeout)
	defer cancel()

	if err := c.session.Leave(ctx); err != nil {
		c.queue(newErrorMessage(err))
		return
	}

	logf(c.lobby.cfg, "LOBBY: %s left from %s", id, c.remote)
}

func (c *client) start() {
	if c.session == nil {
		c.queue(newErrorMessage(presence.ErrNotJoined))
		return
	}

	snap, err := c.session.Start()
	if err != nil {
		c.queue(newErrorMessage(err))
		return
	}

	logf(c.lobby.cfg, "LOBBY: Game started by %s with %d players", c.session.Self(), len(snap.Participants))

	c.queue(startedMessage{
		Type:         "started",
		Participants: snap.Participants,
		TakenAt:      snap.TakenAt.UnixMilli(),
	})
}

// teardown runs once the read loop has ended. Leaving closes Updates, which
// ends forward; only then is it safe to close send.
func (c *client) teardown() {
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			logf(c.lobby.cfg, "LOBBY: Leaving on disconnect of %s failed: %v", c.remote, err)
		}
	}

	c.wg.Wait()
	close(c.send)
}

// serveRoster reconciles the store once for displays that never join.
func serveRoster(cfg *Config, l *Lobby, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		ctx, cancel := context.WithTimeout(r.Context(), l.engine.OpTimeout)
		defer cancel()

		roster, err := presence.View(ctx, l.store, l.engine, time.Now())

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		if err != nil {
			logf(cfg, "LOBBY: Roster unavailable: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		data, err := json.Marshal(rosterView{
			Status:       roster.Status,
			Participants: nonNil(roster.Visible()),
			Overflow:     nonNil(roster.Overflow()),
			Capacity:     roster.Capacity,
			MinToStart:   roster.MinToStart,
			UpdatedAt:    roster.UpdatedAt.UnixMilli(),
		})
		if err != nil {
			errs <- err

			return
		}

		written, err := w.Write(data)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Roster (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveQR generates a PNG QR code pointing at the lobby page.
func serveQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		scheme := cfg.scheme()
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "qr")

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

// registerLobby sets up routes so that:
//   - $prefix/ws      → websocket for one browser tab
//   - $prefix/roster  → JSON roster without joining
//   - $prefix/qr      → PNG QR code for the lobby URL
func registerLobby(cfg *Config, mux *httprouter.Router, l *Lobby, errs chan<- error) {
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, l))
	mux.GET(cfg.prefix+"/roster", serveRoster(cfg, l, errs))
	mux.GET(cfg.prefix+"/qr", serveQR(cfg))
}
