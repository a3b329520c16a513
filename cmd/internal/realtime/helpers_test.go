package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"canon/cmd/internal/timeline"
)

const testSender = "@alice:example.org"

func textRaw(id, body string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"m.room.message","event_id":%q,"sender":%q,"origin_server_ts":1700000000000,"content":{"msgtype":"m.text","body":%q}}`,
		id, testSender, body,
	))
}

func encryptedRaw(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"m.room.encrypted","event_id":%q,"sender":%q,"origin_server_ts":1700000000000,"content":{"algorithm":"m.megolm.v1.aes-sha2","session_id":"s1"}}`,
		id, testSender,
	))
}

func editRaw(id, parentID, body string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"m.room.message","event_id":%q,"sender":%q,"origin_server_ts":1700000001000,"content":{"msgtype":"m.text","body":%q,"m.relates_to":{"rel_type":"m.replace","event_id":%q},"m.new_content":{"msgtype":"m.text","body":%q}}}`,
		id, testSender, "* "+body, parentID, body,
	))
}

func redactionRaw(id, target string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"m.room.redaction","event_id":%q,"sender":%q,"origin_server_ts":1700000002000,"content":{"redacts":%q}}`,
		id, testSender, target,
	))
}

// scenarioEvents is plaintext $a, encrypted $b, an edit of $a, then the
// decrypted $b.
func scenarioEvents(t *testing.T) []json.RawMessage {
	t.Helper()
	return []json.RawMessage{
		textRaw("$a", "hello"),
		encryptedRaw("$b"),
		editRaw("$edit", "$a", "hello world"),
		textRaw("$b", "secret"),
	}
}

func assertScenarioSnapshot(t *testing.T, items []timeline.Message) {
	t.Helper()

	if len(items) != 2 {
		t.Fatalf("items=%d want=2: %+v", len(items), items)
	}
	a, b := items[0], items[1]
	if a.ID != "$a" || a.OrderingKey != 0 || a.Content.Body != "hello world" {
		t.Fatalf("items[0]=%+v", a)
	}
	if a.EditState == nil || a.EditState.OriginalContent.Body != "hello" || len(a.EditState.Chain) != 1 {
		t.Fatalf("items[0].EditState=%+v", a.EditState)
	}
	if b.ID != "$b" || b.OrderingKey != 1 || b.Content.Body != "secret" || b.Availability.State != timeline.Known {
		t.Fatalf("items[1]=%+v", b)
	}
}

func mustRoom(t *testing.T, h *Hub, id string) *Room {
	t.Helper()
	r, err := h.GetOrCreateRoom(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrCreateRoom(%q): %v", id, err)
	}
	return r
}

func mustIngest(t *testing.T, r *Room, raw json.RawMessage) IngestResult {
	t.Helper()
	res, err := r.Ingest(context.Background(), raw)
	if err != nil {
		t.Fatalf("Ingest(%s): %v", raw, err)
	}
	return res
}

func drain(sub *timeline.Subscription) []timeline.Delta {
	var out []timeline.Delta
	for {
		d, ok, err := sub.TryNext()
		if err != nil || !ok {
			return out
		}
		out = append(out, d)
	}
}
