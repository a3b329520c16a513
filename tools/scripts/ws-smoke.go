// Package main provides a CI-friendly WebSocket smoke test for the Canon
// timeline gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - join snapshot
//   - submit -> ack
//   - delta fanout to a second client, in canonical order
//   - decryption re-delivery updating in place
//   - fetch snapshot matching the streamed state
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	v1 "canon/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes = 1 << 20 // 1MiB
	smokeSender  = "@smoke:canon.local"
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type wantDelta struct {
	kind string
	pos  uint64
	body string
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "", "Room ID to join (default: a fresh one per run)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*roomID) == "" {
		*roomID = fmt.Sprintf("!smoke-%d:canon.local", time.Now().UnixNano())
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q room=%s\n", a.sessionID, b.sessionID, *origin, *roomID)
	}

	mustJoinEmpty(root, a, *roomID, *timeout)
	mustJoinEmpty(root, b, *roomID, *timeout)

	steps := []struct {
		event   json.RawMessage
		wantKey uint64
	}{
		{event: textEvent("$a", "hello"), wantKey: 0},
		{event: encryptedEvent("$b"), wantKey: 1},
		{event: editEvent("$edit", "$a", "hello world"), wantKey: 2},
		{event: textEvent("$b", "secret"), wantKey: 3},
	}
	for _, st := range steps {
		mustSubmitAndAssertAck(root, a, *roomID, st.event, st.wantKey, *timeout)
	}

	want := []wantDelta{
		{kind: v1.DeltaInsert, pos: 0, body: "hello"},
		{kind: v1.DeltaInsert, pos: 1, body: ""},
		{kind: v1.DeltaUpdate, pos: 0, body: "hello world"},
		{kind: v1.DeltaUpdate, pos: 1, body: "secret"},
	}
	mustAssertDeltas(root, b, want, *timeout)

	items := mustFetch(root, b, *roomID, *timeout)
	if len(items) != 2 {
		fatalf("fetch: items=%d want=2", len(items))
	}
	if items[0].ID != "$a" || items[0].Content.Body != "hello world" || items[0].Edit == nil {
		fatalf("fetch: items[0]=%+v", items[0])
	}
	if items[1].ID != "$b" || items[1].OrderingKey != 1 || items[1].Availability.State != "known" {
		fatalf("fetch: items[1]=%+v", items[1])
	}

	// A's deltas were skipped while waiting for acks; its snapshot must still agree.
	if itemsA := mustFetch(root, a, *roomID, *timeout); !reflect.DeepEqual(itemsA, items) {
		fatalf("fetch: A and B disagree:\nA=%+v\nB=%+v", itemsA, items)
	}

	fmt.Printf("OK: A=%s B=%s room=%s items=%d\n", a.sessionID, b.sessionID, *roomID, len(items))
}

func textEvent(id, body string) json.RawMessage {
	return mustJSON(map[string]any{
		"type": "m.room.message", "event_id": id, "sender": smokeSender,
		"origin_server_ts": time.Now().UnixMilli(),
		"content":          map[string]any{"msgtype": "m.text", "body": body},
	})
}

func encryptedEvent(id string) json.RawMessage {
	return mustJSON(map[string]any{
		"type": "m.room.encrypted", "event_id": id, "sender": smokeSender,
		"origin_server_ts": time.Now().UnixMilli(),
		"content":          map[string]any{"algorithm": "m.megolm.v1.aes-sha2", "session_id": "smoke"},
	})
}

func editEvent(id, parentID, body string) json.RawMessage {
	return mustJSON(map[string]any{
		"type": "m.room.message", "event_id": id, "sender": smokeSender,
		"origin_server_ts": time.Now().UnixMilli(),
		"content": map[string]any{
			"msgtype":       "m.text",
			"body":          "* " + body,
			"m.relates_to":  map[string]any{"rel_type": "m.replace", "event_id": parentID},
			"m.new_content": map[string]any{"msgtype": "m.text", "body": body},
		},
	})
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := envelope(fmt.Sprintf("%s-hello", name), v1.TypeHello, "", v1.HelloPayload{Client: "ws-smoke"})
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoinEmpty(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	env := envelope(fmt.Sprintf("%s-join", c.name), v1.TypeRoomJoin, "", v1.RoomJoinPayload{RoomID: roomID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	reset := c.mustReadUntilType(parent, v1.TypeTimelineReset, stepTimeout)

	var p v1.TimelineResetPayload
	if err := json.Unmarshal(reset.Payload, &p); err != nil {
		fatalf("unmarshal timeline.reset payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID || p.Reason != v1.ResetJoin {
		fatalf("join reset mismatch (%s): room=%q reason=%q", c.name, p.RoomID, p.Reason)
	}
	if len(p.Items) != 0 {
		fatalf("join reset on a fresh room has %d items (%s)", len(p.Items), c.name)
	}
}

func mustSubmitAndAssertAck(parent context.Context, c *smokeClient, roomID string, event json.RawMessage, wantKey uint64, stepTimeout time.Duration) {
	env := envelope(fmt.Sprintf("%s-submit-%d", c.name, wantKey), v1.TypeEventSubmit, roomID, v1.EventSubmitPayload{
		RoomID: roomID,
		Event:  event,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// The submitter is joined too, so its own deltas can arrive before the ack.
	ack := c.mustReadUntilType(parent, v1.TypeEventAck, stepTimeout, v1.TypeTimelineDelta)

	var p v1.EventAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal event.ack payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID || !p.Handled {
		fatalf("ack mismatch (%s): %+v", c.name, p)
	}
	if p.OrderingKey != wantKey {
		fatalf("ack ordering_key mismatch (%s): got=%d want=%d", c.name, p.OrderingKey, wantKey)
	}
}

func mustAssertDeltas(parent context.Context, c *smokeClient, want []wantDelta, stepTimeout time.Duration) {
	for i, w := range want {
		env := c.mustReadUntilType(parent, v1.TypeTimelineDelta, stepTimeout, v1.TypeEventAck)

		var p v1.TimelineDeltaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal timeline.delta payload (%s): %v", c.name, err)
		}
		if p.Kind != w.kind || p.Position != w.pos {
			fatalf("delta[%d] mismatch (%s): got=%s@%d want=%s@%d", i, c.name, p.Kind, p.Position, w.kind, w.pos)
		}
		if p.Item == nil || p.Item.Content.Body != w.body {
			fatalf("delta[%d] item mismatch (%s): %+v want body %q", i, c.name, p.Item, w.body)
		}
	}
}

func mustFetch(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) []v1.ItemPayload {
	env := envelope(fmt.Sprintf("%s-fetch", c.name), v1.TypeTimelineFetch, roomID, v1.TimelineFetchPayload{RoomID: roomID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	reset := c.mustReadUntilType(parent, v1.TypeTimelineReset, stepTimeout, v1.TypeEventAck, v1.TypeTimelineDelta)

	var p v1.TimelineResetPayload
	if err := json.Unmarshal(reset.Payload, &p); err != nil {
		fatalf("unmarshal timeline.reset payload (%s): %v", c.name, err)
	}
	if p.Reason != v1.ResetFetch {
		fatalf("fetch reset reason mismatch (%s): got=%q want=%q", c.name, p.Reason, v1.ResetFetch)
	}
	return p.Items
}

func envelope(id, typ, roomID string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		RoomID:  roomID,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skip ...string) v1.Envelope {
	skipTypes := make(map[string]struct{}, len(skip))
	for _, k := range skip {
		skipTypes[k] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
