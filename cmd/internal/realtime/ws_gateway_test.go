package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	v1 "canon/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type wsTestPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func newWSTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()

	cfg := DefaultWSConfig()
	cfg.OriginRequired = false
	srv := httptest.NewServer(NewWSGateway(nil, hub, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *wsTestPeer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &wsTestPeer{t: t, conn: conn}
}

func (p *wsTestPeer) send(typ, roomID string, payload any) {
	p.t.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: NewEnvelopeID(), RoomID: roomID, TS: time.Now().UTC(), Payload: b}
	raw, err := json.Marshal(env)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *wsTestPeer) read() v1.Envelope {
	p.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := p.conn.Read(ctx)
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.t.Fatalf("decode envelope: %v", err)
	}
	return env
}

// readType reads until an envelope of typ arrives, returning it along with
// everything read before it.
func (p *wsTestPeer) readType(typ string) (v1.Envelope, []v1.Envelope) {
	p.t.Helper()

	var skipped []v1.Envelope
	for i := 0; i < 16; i++ {
		env := p.read()
		if env.Type == typ {
			return env, skipped
		}
		skipped = append(skipped, env)
	}
	p.t.Fatalf("no %s envelope; got %+v", typ, skipped)
	return v1.Envelope{}, nil
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestWSGateway_HelloJoinSubmit(t *testing.T) {
	t.Parallel()

	srv := newWSTestServer(t, NewHub(nil, nil, RoomOptions{}))
	p := dialWS(t, srv)

	p.send(v1.TypeHello, "", v1.HelloPayload{Client: "test"})
	ack := decodePayload[v1.HelloAckPayload](t, p.read())
	if ack.SessionID == "" {
		t.Fatalf("empty session id")
	}

	p.send(v1.TypeRoomJoin, "", v1.RoomJoinPayload{RoomID: "!ws"})
	resetEnv, _ := p.readType(v1.TypeTimelineReset)
	reset := decodePayload[v1.TimelineResetPayload](t, resetEnv)
	if reset.Reason != v1.ResetJoin || reset.RoomID != "!ws" || len(reset.Items) != 0 {
		t.Fatalf("reset=%+v", reset)
	}

	p.send(v1.TypeEventSubmit, "!ws", v1.EventSubmitPayload{RoomID: "!ws", Event: textRaw("$a", "hi")})

	var (
		gotAck   *v1.EventAckPayload
		gotDelta *v1.TimelineDeltaPayload
	)
	for gotAck == nil || gotDelta == nil {
		env := p.read()
		switch env.Type {
		case v1.TypeEventAck:
			a := decodePayload[v1.EventAckPayload](t, env)
			gotAck = &a
		case v1.TypeTimelineDelta:
			d := decodePayload[v1.TimelineDeltaPayload](t, env)
			gotDelta = &d
		default:
			t.Fatalf("unexpected envelope %+v", env)
		}
	}

	if gotAck.EventID != "$a" || !gotAck.Handled || gotAck.OrderingKey != 0 {
		t.Fatalf("ack=%+v", gotAck)
	}
	if gotDelta.Kind != v1.DeltaInsert || gotDelta.Position != 0 || gotDelta.Item == nil || gotDelta.Item.Content.Body != "hi" {
		t.Fatalf("delta=%+v", gotDelta)
	}
}

func TestWSGateway_FetchResendsSnapshot(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil, RoomOptions{})
	r := mustRoom(t, hub, "!fetch")
	for _, raw := range scenarioEvents(t) {
		mustIngest(t, r, raw)
	}

	p := dialWS(t, newWSTestServer(t, hub))
	p.send(v1.TypeRoomJoin, "", v1.RoomJoinPayload{RoomID: "!fetch"})

	joinEnv, _ := p.readType(v1.TypeTimelineReset)
	join := decodePayload[v1.TimelineResetPayload](t, joinEnv)
	if len(join.Items) != 2 || join.Items[0].Content.Body != "hello world" {
		t.Fatalf("join reset=%+v", join)
	}

	p.send(v1.TypeTimelineFetch, "!fetch", v1.TimelineFetchPayload{RoomID: "!fetch"})
	fetchEnv, _ := p.readType(v1.TypeTimelineReset)
	fetch := decodePayload[v1.TimelineResetPayload](t, fetchEnv)
	if fetch.Reason != v1.ResetFetch || !reflect.DeepEqual(fetch.Items, join.Items) {
		t.Fatalf("fetch reset=%+v want items %+v", fetch, join.Items)
	}
}

func TestWSGateway_Errors(t *testing.T) {
	t.Parallel()

	p := dialWS(t, newWSTestServer(t, NewHub(nil, nil, RoomOptions{})))

	cases := []struct {
		name     string
		send     func()
		wantCode string
	}{
		{
			name:     "submit before join",
			send:     func() { p.send(v1.TypeEventSubmit, "!r", v1.EventSubmitPayload{RoomID: "!r", Event: textRaw("$a", "x")}) },
			wantCode: v1.CodeNotJoined,
		},
		{
			name:     "fetch before join",
			send:     func() { p.send(v1.TypeTimelineFetch, "", v1.TimelineFetchPayload{}) },
			wantCode: v1.CodeNotJoined,
		},
		{
			name:     "server-only type",
			send:     func() { p.send(v1.TypeTimelineDelta, "", struct{}{}) },
			wantCode: v1.CodeUnsupported,
		},
		{
			name: "bad json",
			send: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := p.conn.Write(ctx, websocket.MessageText, []byte(`{nope`)); err != nil {
					t.Fatalf("write: %v", err)
				}
			},
			wantCode: v1.CodeBadJSON,
		},
		{
			name: "wrong version",
			send: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := p.conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v0","type":"hello"}`)); err != nil {
					t.Fatalf("write: %v", err)
				}
			},
			wantCode: v1.CodeBadEnvelope,
		},
	}

	// Sequential: all cases share one connection.
	for _, tc := range cases {
		tc.send()
		env := p.read()
		if env.Type != v1.TypeError {
			t.Fatalf("%s: type=%s want=%s", tc.name, env.Type, v1.TypeError)
		}
		if got := decodePayload[v1.ErrorPayload](t, env); got.Code != tc.wantCode {
			t.Fatalf("%s: code=%s want=%s", tc.name, got.Code, tc.wantCode)
		}
	}
}

func TestWSGateway_SubmitInvalidEvent(t *testing.T) {
	t.Parallel()

	p := dialWS(t, newWSTestServer(t, NewHub(nil, nil, RoomOptions{})))
	p.send(v1.TypeRoomJoin, "", v1.RoomJoinPayload{RoomID: "!bad"})
	p.readType(v1.TypeTimelineReset)

	p.send(v1.TypeEventSubmit, "!bad", v1.EventSubmitPayload{RoomID: "!bad", Event: json.RawMessage(`{"type":"m.room.message"}`)})
	errEnv, _ := p.readType(v1.TypeError)
	if got := decodePayload[v1.ErrorPayload](t, errEnv); got.Code != v1.CodeSubmitFailed {
		t.Fatalf("code=%s want=%s", got.Code, v1.CodeSubmitFailed)
	}

	p.send(v1.TypeEventSubmit, "!bad", v1.EventSubmitPayload{RoomID: "!other", Event: textRaw("$a", "x")})
	errEnv, _ = p.readType(v1.TypeError)
	if got := decodePayload[v1.ErrorPayload](t, errEnv); got.Code != v1.CodeSubmitFailed {
		t.Fatalf("code=%s want=%s", got.Code, v1.CodeSubmitFailed)
	}
}

func TestWSGateway_RejectsMissingSubprotocol(t *testing.T) {
	t.Parallel()

	srv := newWSTestServer(t, NewHub(nil, nil, RoomOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("close status=%v want=%v (err=%v)", got, websocket.StatusProtocolError, err)
	}
}

func TestWSGateway_OriginRequired(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewWSGateway(nil, nil, DefaultWSConfig()))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestWSGateway_EnforceOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     WSConfig
		origin  string
		wantErr bool
	}{
		{name: "missing required", cfg: WSConfig{OriginRequired: true}, origin: "", wantErr: true},
		{name: "missing optional", cfg: WSConfig{}, origin: "", wantErr: false},
		{name: "no allowlist", cfg: WSConfig{}, origin: "http://a.example", wantErr: true},
		{name: "exact", cfg: WSConfig{AllowedOrigins: []string{"https://app.example"}}, origin: "https://app.example", wantErr: false},
		{name: "host ignores port", cfg: WSConfig{AllowedOrigins: []string{"http://localhost"}}, origin: "http://localhost:5173", wantErr: false},
		{name: "wildcard", cfg: WSConfig{AllowedOrigins: []string{"*"}}, origin: "https://anything.example", wantErr: false},
		{name: "other host", cfg: WSConfig{AllowedOrigins: []string{"https://app.example"}}, origin: "https://evil.example", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := NewWSGateway(nil, nil, tc.cfg)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if err := g.enforceOrigin(req); (err != nil) != tc.wantErr {
				t.Fatalf("enforceOrigin(%q) err=%v wantErr=%v", tc.origin, err, tc.wantErr)
			}
		})
	}
}

func TestDeriveOriginPatternsFromAllowedOrigins(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:5173",
		"https://LOCALHOST",
		"http://127.0.0.1",
		"",
		"*",
	})
	want := []string{"*", "127.0.0.1", "localhost"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
}
