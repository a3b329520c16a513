package timeline

import (
	"encoding/json"
	"testing"
	"time"

	ev1 "canon/shared/contracts/events/v1"
)

const testSender = "@alice:example.org"

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func textEvent(t *testing.T, id, body string) ev1.Event {
	t.Helper()
	return ev1.Event{
		Type:           ev1.TypeRoomMessage,
		EventID:        id,
		Sender:         testSender,
		OriginServerTS: 1_700_000_000_000,
		Content:        rawJSON(t, ev1.MessageContent{MsgType: ev1.MsgTypeText, Body: body}),
	}
}

func editEvent(t *testing.T, id, parentID, body string, ts int64) ev1.Event {
	t.Helper()
	return ev1.Event{
		Type:           ev1.TypeRoomMessage,
		EventID:        id,
		Sender:         testSender,
		OriginServerTS: ts,
		Content: rawJSON(t, ev1.MessageContent{
			MsgType:    ev1.MsgTypeText,
			Body:       "* " + body,
			RelatesTo:  &ev1.Relation{RelType: ev1.RelTypeReplace, EventID: parentID},
			NewContent: &ev1.MessageContent{MsgType: ev1.MsgTypeText, Body: body},
		}),
	}
}

func encryptedEvent(t *testing.T, id string) ev1.Event {
	t.Helper()
	return ev1.Event{
		Type:           ev1.TypeRoomEncrypted,
		EventID:        id,
		Sender:         testSender,
		OriginServerTS: 1_700_000_000_000,
		Content:        rawJSON(t, ev1.EncryptedContent{Algorithm: "m.megolm.v1.aes-sha2", SessionID: "s1"}),
	}
}

func redactionEvent(t *testing.T, id, target string) ev1.Event {
	t.Helper()
	return ev1.Event{
		Type:           ev1.TypeRoomRedaction,
		EventID:        id,
		Sender:         testSender,
		OriginServerTS: 1_700_000_000_000,
		Content:        rawJSON(t, ev1.RedactionContent{Redacts: target}),
	}
}

func asRedacted(ev ev1.Event) ev1.Event {
	ev.Content = json.RawMessage(`{}`)
	ev.Unsigned = &ev1.Unsigned{RedactedBecause: json.RawMessage(`{"type":"m.room.redaction"}`)}
	return ev
}

func testMessage(id, body string, seq uint64) Message {
	ts := time.Now().UTC()
	return Message{
		ID:           id,
		Sender:       testSender,
		Content:      Content{Type: MessageText, Body: body},
		OrderingKey:  OrderingKeyFromSequence(seq),
		Availability: AvailableKnown(),
		Timestamp:    &ts,
	}
}

// feed dispatches ev the way an integration layer does: allocate, then run
// the default pipeline.
func feed(st *State, p *Pipeline, ev ev1.Event) (*Context, bool) {
	c := &Context{State: st, OrderingKey: st.AllocateOrderingKey()}
	handled := p.Dispatch(ev, c)
	return c, handled
}

func mustGet(t *testing.T, st *State, id string) Message {
	t.Helper()
	m, ok := st.GetByID(id)
	if !ok {
		t.Fatalf("GetByID(%q): not found", id)
	}
	return m
}

func drain(sub *Subscription) []Delta {
	var out []Delta
	for {
		d, ok, err := sub.TryNext()
		if err != nil || !ok {
			return out
		}
		out = append(out, d)
	}
}

func contentEqual(a, b Content) bool {
	if a.Type != b.Type || a.Body != b.Body {
		return false
	}
	if a.Formatted == nil || b.Formatted == nil {
		return a.Formatted == nil && b.Formatted == nil
	}
	return *a.Formatted == *b.Formatted
}
