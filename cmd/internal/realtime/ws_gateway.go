package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"canon/cmd/internal/timeline"
	v1 "canon/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// WSConfig holds the gateway's transport and security knobs.
type WSConfig struct {
	// DevInsecure disables websocket.Accept's own origin check. Dev only.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultWSConfig returns the secure defaults: Origin required, localhost only.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c WSConfig) withDefaults() WSConfig {
	def := DefaultWSConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for canonical timelines.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, routes validated envelopes to rooms, and streams each joined
// room's deltas back to the client.
type WSGateway struct {
	log *slog.Logger
	hub *Hub
	cfg WSConfig

	// Derived for websocket.Accept origin checks: same-host origins pass by
	// default, cross-origin ones need OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil hub selects an in-memory one.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg WSConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, nil, RoomOptions{})
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:            log,
		hub:            hub,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// session loop until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	s := &wsSession{
		g:      g,
		log:    g.log.With("session_id", sessionID),
		client: NewClient(sessionID, g.cfg.SendQueueSize),
	}
	s.ctx, s.cancel = context.WithCancel(r.Context())
	defer s.cancel()

	wsSessions.Inc()
	defer wsSessions.Dec()
	s.log.Info("ws.session.open", "remote", r.RemoteAddr)

	// shutdown may run on any session goroutine; room state is released by
	// the read loop once it exits.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.client.Close()
			_ = conn.Close(code, reason)
			s.cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.client.Done():
				return
			case env := <-s.client.Send:
				if err := writeEnvelope(s.ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(s.ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					s.log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	limiter := newConnLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(s.ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				s.sendError("", v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				s.log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !limiter.AllowN(time.Now(), 1) {
			s.sendError(env.ID, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			s.sendError(env.ID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := s.onHello(env); err != nil {
				s.sendError(env.ID, v1.CodeBadPayload, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeRoomJoin:
			if err := s.onJoin(env); err != nil {
				s.sendError(env.ID, v1.CodeJoinFailed, err.Error())
			}

		case v1.TypeEventSubmit:
			if err := s.onSubmit(env); err != nil {
				code := v1.CodeSubmitFailed
				if errors.Is(err, errNotJoined) {
					code = v1.CodeNotJoined
				}
				s.sendError(env.ID, code, err.Error())
			}

		case v1.TypeTimelineFetch:
			if err := s.onFetch(env); err != nil {
				code := v1.CodeBadPayload
				if errors.Is(err, errNotJoined) {
					code = v1.CodeNotJoined
				}
				s.sendError(env.ID, code, err.Error())
			}

		default:
			s.sendError(env.ID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	s.leave()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	s.log.Info("ws.session.close")
}

var errNotJoined = errors.New("join first")

// wsSession is the per-connection state. Only the read loop mutates it.
type wsSession struct {
	g      *WSGateway
	log    *slog.Logger
	client *Client

	ctx    context.Context
	cancel context.CancelFunc

	room *Room
	feed *roomFeed
}

func (s *wsSession) onHello(env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	if !s.enqueue(newEnvelope(v1.TypeHelloAck, "", v1.HelloAckPayload{SessionID: s.client.SessionID})) {
		return errors.New("backpressure: hello.ack")
	}
	s.log.Debug("ws.hello", "client", p.Client)
	return nil
}

func (s *wsSession) onJoin(env v1.Envelope) error {
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	room, err := s.g.hub.GetOrCreateRoom(s.ctx, p.RoomID)
	if err != nil {
		return err
	}
	if s.room != nil && s.room.ID == room.ID {
		// Re-join of the same room is a fetch.
		s.feed.requestResync()
		return nil
	}

	s.leave()
	s.room = room
	s.feed = startRoomFeed(s.ctx, s.log, room, s.deliver)
	s.log.Info("ws.room.join", "room_id", room.ID)
	return nil
}

func (s *wsSession) onSubmit(env v1.Envelope) error {
	if s.room == nil {
		return errNotJoined
	}

	var p v1.EventSubmitPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.RoomID) != s.room.ID {
		return errors.New("invalid room_id")
	}
	if len(p.Event) == 0 {
		return errors.New("missing event")
	}
	if len(p.Event) > maxEventBytes {
		return fmt.Errorf("event too large: max=%d bytes", maxEventBytes)
	}

	res, err := s.room.Ingest(s.ctx, p.Event)
	if err != nil {
		return err
	}

	ack := newEnvelope(v1.TypeEventAck, s.room.ID, v1.EventAckPayload{
		RoomID:      s.room.ID,
		EventID:     res.EventID,
		Handled:     res.Handled,
		OrderingKey: res.OrderingKey.Uint64(),
		Released:    res.Released,
	})
	if !s.enqueue(ack) {
		return errors.New("backpressure: event.ack")
	}
	return nil
}

func (s *wsSession) onFetch(env v1.Envelope) error {
	if s.room == nil {
		return errNotJoined
	}

	var p v1.TimelineFetchPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	if p.RoomID != "" && strings.TrimSpace(p.RoomID) != s.room.ID {
		return errors.New("invalid room_id")
	}

	s.feed.requestResync()
	return nil
}

func (s *wsSession) leave() {
	if s.feed != nil {
		s.feed.stop()
		s.log.Info("ws.room.leave", "room_id", s.room.ID)
	}
	s.feed = nil
	s.room = nil
}

func (s *wsSession) sendError(replyTo, code, msg string) {
	env := newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg})
	if replyTo != "" {
		env.ID = replyTo
	}
	_ = s.enqueue(env)
}

// enqueue is non-blocking: control replies are dropped under backpressure.
func (s *wsSession) enqueue(env v1.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		return false
	}
}

// deliver blocks until the writer accepts env. Timeline traffic must not be
// dropped silently: backpressure shows up as lag on the room subscription.
func (s *wsSession) deliver(ctx context.Context, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	}
}

// roomFeed streams one room's timeline to one session: a snapshot first,
// then deltas. A lagged subscription or a resync request is answered with a
// fresh snapshot taken atomically with a new subscription.
type roomFeed struct {
	log    *slog.Logger
	room   *Room
	send   func(context.Context, v1.Envelope) bool
	resync chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func startRoomFeed(parent context.Context, log *slog.Logger, room *Room, send func(context.Context, v1.Envelope) bool) *roomFeed {
	ctx, cancel := context.WithCancel(parent)
	f := &roomFeed{
		log:    log.With("room_id", room.ID),
		room:   room,
		send:   send,
		resync: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.run(ctx)
	return f
}

func (f *roomFeed) requestResync() {
	select {
	case f.resync <- struct{}{}:
	default:
	}
}

func (f *roomFeed) stop() {
	f.cancel()
	<-f.done
}

func (f *roomFeed) run(ctx context.Context) {
	defer close(f.done)

	items, sub := f.room.SnapshotAndSubscribe()
	defer func() { sub.Close() }()

	if !f.sendReset(ctx, v1.ResetJoin, items) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.resync:
			sub.Close()
			items, sub = f.room.SnapshotAndSubscribe()
			if !f.sendReset(ctx, v1.ResetFetch, items) {
				return
			}
			continue
		default:
		}

		d, err := f.next(ctx, sub)
		if err != nil {
			var lagged *timeline.LaggedError
			switch {
			case errors.As(err, &lagged):
				f.log.Info("ws.feed.lagged", "skipped", lagged.Skipped)
				sub.Close()
				items, sub = f.room.SnapshotAndSubscribe()
				if !f.sendReset(ctx, v1.ResetLagged, items) {
					return
				}
				continue
			case errors.Is(err, errResyncRequested):
				continue
			default:
				return
			}
		}

		if d.Kind == timeline.DeltaReset {
			if !f.sendReset(ctx, v1.ResetRoom, d.Items) {
				return
			}
			continue
		}

		payload, ok := DeltaToWire(f.room.ID, d)
		if !ok {
			continue
		}
		if !f.send(ctx, newEnvelope(v1.TypeTimelineDelta, f.room.ID, payload)) {
			return
		}
	}
}

var errResyncRequested = errors.New("resync requested")

// next waits for a delta while staying responsive to resync requests.
func (f *roomFeed) next(ctx context.Context, sub *timeline.Subscription) (timeline.Delta, error) {
	if d, ok, err := sub.TryNext(); ok || err != nil {
		return d, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-f.resync:
			// Put it back for the run loop, then wake Next.
			f.requestResync()
			cancel()
		case <-stop:
		}
	}()

	d, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		return timeline.Delta{}, errResyncRequested
	}
	return d, err
}

func (f *roomFeed) sendReset(ctx context.Context, reason string, items []timeline.Message) bool {
	wsResyncs.WithLabelValues(reason).Inc()
	return f.send(ctx, newEnvelope(v1.TypeTimelineReset, f.room.ID, v1.TimelineResetPayload{
		RoomID: f.room.ID,
		Reason: reason,
		Items:  ItemsToWire(items),
	}))
}

// ---- envelope IO ----

func newEnvelope(typ, roomID string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte("{}")
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		RoomID:  roomID,
		TS:      time.Now().UTC(),
		Payload: b,
	}
}

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad *badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated
// hosts of the allowlist, in the form websocket.Accept matches against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
