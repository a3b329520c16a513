// Package v1 defines the raw room event shapes fed into the canonical timeline.
//
// Events use the Matrix client-server JSON layout. This package only decodes
// the envelope and the content blocks the timeline adapters read; anything
// else is carried through as raw JSON.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types (wire-stable).
const (
	TypeRoomMessage   = "m.room.message"
	TypeRoomEncrypted = "m.room.encrypted"
	TypeRoomRedaction = "m.room.redaction"
)

// Message types carried in m.room.message content.
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
	MsgTypeEmote  = "m.emote"
	MsgTypeImage  = "m.image"
	MsgTypeVideo  = "m.video"
	MsgTypeAudio  = "m.audio"
	MsgTypeFile   = "m.file"
)

// RelTypeReplace marks an edit relation.
const RelTypeReplace = "m.replace"

// ErrInvalidEvent is returned when an event fails structural validation.
var ErrInvalidEvent = errors.New("events: invalid event")

// Event is one raw room event as received from the sync stream.
type Event struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
}

// Unsigned holds server-added metadata.
type Unsigned struct {
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	RelatesTo     *Relation       `json:"m.relates_to,omitempty"`
	NewContent    *MessageContent `json:"m.new_content,omitempty"`
}

// Relation links an event to another event.
type Relation struct {
	RelType string `json:"rel_type,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// EncryptedContent is the content of an m.room.encrypted event.
type EncryptedContent struct {
	Algorithm  string          `json:"algorithm"`
	SessionID  string          `json:"session_id,omitempty"`
	SenderKey  string          `json:"sender_key,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	Ciphertext json.RawMessage `json:"ciphertext,omitempty"`
}

// RedactionContent is the content of an m.room.redaction event.
type RedactionContent struct {
	Redacts string `json:"redacts,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Parse decodes and validates one raw event.
func Parse(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate performs strict structural validation of the envelope.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: missing field: type", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: missing field: event_id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Sender) == "" {
		return fmt.Errorf("%w: missing field: sender", ErrInvalidEvent)
	}
	return nil
}

// IsRedacted reports whether the server delivered this event in redacted form.
// An explicit JSON null redacted_because counts as absent.
func (e Event) IsRedacted() bool {
	if e.Unsigned == nil {
		return false
	}
	b := bytes.TrimSpace(e.Unsigned.RedactedBecause)
	return len(b) > 0 && !bytes.Equal(b, []byte("null"))
}

// Timestamp returns origin_server_ts, or false when the server omitted it.
func (e Event) Timestamp() (time.Time, bool) {
	if e.OriginServerTS <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(e.OriginServerTS).UTC(), true
}

// MessageContent decodes m.room.message content.
func (e Event) MessageContent() (MessageContent, error) {
	var c MessageContent
	if err := decodeContent(e.Content, &c); err != nil {
		return MessageContent{}, err
	}
	return c, nil
}

// EncryptedContent decodes m.room.encrypted content.
func (e Event) EncryptedContent() (EncryptedContent, error) {
	var c EncryptedContent
	if err := decodeContent(e.Content, &c); err != nil {
		return EncryptedContent{}, err
	}
	return c, nil
}

// RedactionContent decodes m.room.redaction content.
func (e Event) RedactionContent() (RedactionContent, error) {
	var c RedactionContent
	if err := decodeContent(e.Content, &c); err != nil {
		return RedactionContent{}, err
	}
	return c, nil
}

// RedactsTarget returns the identity a redaction targets.
// Newer room versions carry it in content, older ones at the top level.
func (e Event) RedactsTarget() string {
	if c, err := e.RedactionContent(); err == nil && c.Redacts != "" {
		return c.Redacts
	}
	return e.Redacts
}

// Replacement returns the edit relation target and replacement content
// when content is an edit.
func (c MessageContent) Replacement() (string, *MessageContent, bool) {
	if c.RelatesTo == nil || c.RelatesTo.RelType != RelTypeReplace {
		return "", nil, false
	}
	if strings.TrimSpace(c.RelatesTo.EventID) == "" || c.NewContent == nil {
		return "", nil, false
	}
	return c.RelatesTo.EventID, c.NewContent, true
}

func decodeContent(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: content: %v", ErrInvalidEvent, err)
	}
	return nil
}
