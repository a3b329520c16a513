// Package v1 defines the canon timeline protocol v1 contract.
//
// It is shared between the server and clients so the wire protocol stays
// authoritative. Items and deltas are the canonical projection: clients
// render them as-is and never derive state from raw events.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "canon.timeline.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeRoomJoin subscribes the session to one room's timeline (client -> server).
	TypeRoomJoin = "room.join"
	// TypeEventSubmit submits one raw protocol event to the joined room (client -> server).
	TypeEventSubmit = "event.submit"
	// TypeEventAck reports how a submitted event was projected (server -> client).
	TypeEventAck = "event.ack"
	// TypeTimelineFetch requests a fresh snapshot of the joined room (client -> server).
	TypeTimelineFetch = "timeline.fetch"

	// TypeTimelineReset carries a full snapshot; clients discard prior state (server -> client).
	TypeTimelineReset = "timeline.reset"
	// TypeTimelineDelta carries one incremental change (server -> client).
	TypeTimelineDelta = "timeline.delta"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Delta kinds carried by TimelineDeltaPayload.
const (
	DeltaInsert = "insert"
	DeltaUpdate = "update"
	DeltaRemove = "remove"
)

// Reasons carried by TimelineResetPayload.
const (
	ResetJoin   = "join"
	ResetFetch  = "fetch"
	ResetLagged = "lagged"
	ResetRoom   = "reset"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadJSON      = "bad_json"
	CodeBadEnvelope  = "bad_envelope"
	CodeBadPayload   = "bad_payload"
	CodeRateLimited  = "rate_limited"
	CodeNotJoined    = "not_joined"
	CodeJoinFailed   = "join_failed"
	CodeSubmitFailed = "submit_failed"
	CodeUnsupported  = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeEventSubmit,
		TypeEventAck,
		TypeTimelineFetch,
		TypeTimelineReset,
		TypeTimelineDelta,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// RoomJoinPayload requests a subscription to a room timeline.
type RoomJoinPayload struct {
	RoomID string `json:"room_id"`
}

// EventSubmitPayload carries one raw protocol event (events/v1 JSON).
type EventSubmitPayload struct {
	RoomID string          `json:"room_id"`
	Event  json.RawMessage `json:"event"`
}

// EventAckPayload reports the projection outcome of a submitted event.
// Released lists buffered edits whose parent this event introduced.
type EventAckPayload struct {
	RoomID      string   `json:"room_id"`
	EventID     string   `json:"event_id"`
	Handled     bool     `json:"handled"`
	OrderingKey uint64   `json:"ordering_key"`
	Released    []string `json:"released,omitempty"`
}

// TimelineFetchPayload requests a fresh snapshot of a room.
type TimelineFetchPayload struct {
	RoomID string `json:"room_id"`
}

// TimelineResetPayload replaces the client's whole view of a room.
type TimelineResetPayload struct {
	RoomID string        `json:"room_id"`
	Reason string        `json:"reason"`
	Items  []ItemPayload `json:"items"`
}

// TimelineDeltaPayload is one incremental change. Item is absent for removals.
type TimelineDeltaPayload struct {
	RoomID   string       `json:"room_id"`
	Kind     string       `json:"kind"`
	Position uint64       `json:"position"`
	Item     *ItemPayload `json:"item,omitempty"`
}

// ItemPayload is one canonical timeline item.
type ItemPayload struct {
	ID           string              `json:"id"`
	Sender       string              `json:"sender"`
	OrderingKey  uint64              `json:"ordering_key"`
	Content      ContentPayload      `json:"content"`
	Availability AvailabilityPayload `json:"availability"`
	Edit         *EditPayload        `json:"edit,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
}

// ContentPayload is the displayable content of an item.
type ContentPayload struct {
	Type          string `json:"type"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// AvailabilityPayload is "known", "encrypted" or "redacted". Cause is only
// set for encrypted items the server could not decrypt.
type AvailabilityPayload struct {
	State string `json:"state"`
	Cause string `json:"cause,omitempty"`
}

// EditPayload describes the accepted edits of an item; the item's Content
// is always the latest edit.
type EditPayload struct {
	Original ContentPayload      `json:"original"`
	Chain    []EditRecordPayload `json:"chain"`
}

// EditRecordPayload is one accepted edit.
type EditRecordPayload struct {
	EditID      string     `json:"edit_id"`
	OrderingKey uint64     `json:"ordering_key"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
