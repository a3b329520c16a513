package v1

import (
	"errors"
	"testing"
)

func TestParse_Message(t *testing.T) {
	t.Parallel()

	raw := `{"type":"m.room.message","event_id":"$a","sender":"@alice:example.org","origin_server_ts":1700000000000,
		"content":{"msgtype":"m.text","body":"hello","format":"org.matrix.custom.html","formatted_body":"<b>hello</b>"}}`

	ev, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.IsRedacted() {
		t.Fatalf("expected original event")
	}
	ts, ok := ev.Timestamp()
	if !ok || ts.UnixMilli() != 1700000000000 {
		t.Fatalf("timestamp=%v ok=%v", ts, ok)
	}

	c, err := ev.MessageContent()
	if err != nil {
		t.Fatalf("MessageContent: %v", err)
	}
	if c.Body != "hello" || c.FormattedBody != "<b>hello</b>" {
		t.Fatalf("unexpected content: %+v", c)
	}
	if _, _, ok := c.Replacement(); ok {
		t.Fatalf("plain message must not be a replacement")
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "bad json", raw: `{`},
		{name: "missing type", raw: `{"event_id":"$a","sender":"@a:x"}`},
		{name: "missing event_id", raw: `{"type":"m.room.message","sender":"@a:x"}`},
		{name: "missing sender", raw: `{"type":"m.room.message","event_id":"$a"}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tc.raw)); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("Parse(%s) err=%v want ErrInvalidEvent", tc.raw, err)
			}
		})
	}
}

func TestMessageContent_Replacement(t *testing.T) {
	t.Parallel()

	raw := `{"type":"m.room.message","event_id":"$e","sender":"@a:x",
		"content":{"msgtype":"m.text","body":"* hi","m.relates_to":{"rel_type":"m.replace","event_id":"$p"},
		"m.new_content":{"msgtype":"m.text","body":"hi"}}}`

	ev, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := ev.MessageContent()
	if err != nil {
		t.Fatalf("MessageContent: %v", err)
	}
	parent, nc, ok := c.Replacement()
	if !ok {
		t.Fatalf("expected replacement")
	}
	if parent != "$p" || nc.Body != "hi" {
		t.Fatalf("parent=%q body=%q", parent, nc.Body)
	}

	c.NewContent = nil
	if _, _, ok := c.Replacement(); ok {
		t.Fatalf("replacement without new content must be rejected")
	}
}

func TestRedactsTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
	}{
		{raw: `{"type":"m.room.redaction","event_id":"$r","sender":"@a:x","content":{"redacts":"$a"}}`, want: "$a"},
		{raw: `{"type":"m.room.redaction","event_id":"$r","sender":"@a:x","redacts":"$b","content":{}}`, want: "$b"},
		{raw: `{"type":"m.room.redaction","event_id":"$r","sender":"@a:x","content":{}}`, want: ""},
	}

	for _, tc := range cases {
		ev, err := Parse([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got := ev.RedactsTarget(); got != tc.want {
			t.Fatalf("RedactsTarget()=%q want=%q", got, tc.want)
		}
	}
}

func TestIsRedacted(t *testing.T) {
	t.Parallel()

	raw := `{"type":"m.room.message","event_id":"$a","sender":"@a:x","content":{},
		"unsigned":{"redacted_because":{"type":"m.room.redaction","event_id":"$r"}}}`
	ev, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ev.IsRedacted() {
		t.Fatalf("expected redacted event")
	}
	if _, ok := ev.Timestamp(); ok {
		t.Fatalf("expected missing timestamp")
	}
}

func TestIsRedacted_NullOrEmptyRedactedBecause(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		unsigned string
		want     bool
	}{
		{name: "null", unsigned: `{"redacted_because":null}`, want: false},
		{name: "null padded", unsigned: `{"redacted_because": null }`, want: false},
		{name: "missing", unsigned: `{}`, want: false},
		{name: "object", unsigned: `{"redacted_because":{"event_id":"$r"}}`, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			raw := `{"type":"m.room.message","event_id":"$a","sender":"@a:x",` +
				`"content":{"msgtype":"m.text","body":"hi"},"unsigned":` + tc.unsigned + `}`
			ev, err := Parse([]byte(raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := ev.IsRedacted(); got != tc.want {
				t.Fatalf("IsRedacted()=%v want=%v", got, tc.want)
			}
		})
	}
}
