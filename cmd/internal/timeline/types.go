package timeline

import (
	"time"
)

// RedactedBody is the fixed body of redacted content.
const RedactedBody = "[redacted]"

// MessageType is the canonical content category.
type MessageType uint8

const (
	MessageText MessageType = iota
	MessageImage
	MessageVideo
	MessageAudio
	MessageFile
)

func (t MessageType) String() string {
	switch t {
	case MessageImage:
		return "image"
	case MessageVideo:
		return "video"
	case MessageAudio:
		return "audio"
	case MessageFile:
		return "file"
	default:
		return "text"
	}
}

// FormattedBody is an alternative rendering of a body (e.g. HTML).
type FormattedBody struct {
	Format string
	Body   string
}

// Content is the displayable payload of a canonical message.
type Content struct {
	Type      MessageType
	Body      string
	Formatted *FormattedBody
}

// EmptyContent is the placeholder used while content is not yet decrypted.
func EmptyContent() Content {
	return Content{Type: MessageText}
}

// RedactedContent is the marker content of an erased message.
func RedactedContent() Content {
	return Content{Type: MessageText, Body: RedactedBody}
}

func (c Content) clone() Content {
	if c.Formatted != nil {
		f := *c.Formatted
		c.Formatted = &f
	}
	return c
}

// AvailabilityState tags whether content is usable.
type AvailabilityState uint8

const (
	// Known content is usable.
	Known AvailabilityState = iota
	// Encrypted content is awaiting (or failed) decryption.
	Encrypted
	// Redacted content was erased. Terminal.
	Redacted
)

func (s AvailabilityState) String() string {
	switch s {
	case Encrypted:
		return "encrypted"
	case Redacted:
		return "redacted"
	default:
		return "known"
	}
}

// UTDCause is why an event could not be decrypted, as reported by the
// decryption subsystem.
type UTDCause uint8

const (
	UTDUnknown UTDCause = iota
	UTDSentBeforeWeJoined
	UTDVerificationViolation
	UTDUnsignedDevice
	UTDUnknownDevice
	UTDHistoricalMessage
	UTDWithheldForUnverifiedOrInsecureDevice
	UTDWithheldBySender
)

var utdCauseNames = map[UTDCause]string{
	UTDUnknown:                               "unknown",
	UTDSentBeforeWeJoined:                    "sent_before_we_joined",
	UTDVerificationViolation:                 "verification_violation",
	UTDUnsignedDevice:                        "unsigned_device",
	UTDUnknownDevice:                         "unknown_device",
	UTDHistoricalMessage:                     "historical_message",
	UTDWithheldForUnverifiedOrInsecureDevice: "withheld_for_unverified_or_insecure_device",
	UTDWithheldBySender:                      "withheld_by_sender",
}

func (c UTDCause) String() string {
	if s, ok := utdCauseNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseUTDCause maps a wire name back to a cause. Unrecognized names map to
// UTDUnknown and false.
func ParseUTDCause(s string) (UTDCause, bool) {
	for c, name := range utdCauseNames {
		if name == s {
			return c, true
		}
	}
	return UTDUnknown, false
}

// Availability is the availability tag of a message. Cause is only set for
// Encrypted, and only once the decryption subsystem reported one.
type Availability struct {
	State AvailabilityState
	Cause *UTDCause
}

// AvailableKnown returns the Known availability.
func AvailableKnown() Availability { return Availability{State: Known} }

// AvailableEncrypted returns an Encrypted availability with an optional cause.
func AvailableEncrypted(cause *UTDCause) Availability {
	if cause != nil {
		c := *cause
		cause = &c
	}
	return Availability{State: Encrypted, Cause: cause}
}

// AvailableRedacted returns the Redacted availability.
func AvailableRedacted() Availability { return Availability{State: Redacted} }

// CanTransitionTo reports whether moving from a to next is allowed:
// Encrypted->Known, Encrypted->Encrypted, Known->Known and *->Redacted.
func (a Availability) CanTransitionTo(next AvailabilityState) bool {
	if next == Redacted {
		return true
	}
	switch a.State {
	case Encrypted:
		return next == Known || next == Encrypted
	case Known:
		return next == Known
	default:
		return false
	}
}

// EditRecord is one accepted edit of a message.
// OrderingKey is the key allocated when the edit was processed; it never
// moves the parent.
type EditRecord struct {
	EditID      string
	Timestamp   *time.Time
	OrderingKey OrderingKey
}

// EditState is attached to a message after its first accepted edit.
type EditState struct {
	OriginalContent Content
	CurrentContent  Content
	Chain           []EditRecord
}

// HasEdit reports whether editID is already in the chain.
func (e *EditState) HasEdit(editID string) bool {
	if e == nil {
		return false
	}
	for _, r := range e.Chain {
		if r.EditID == editID {
			return true
		}
	}
	return false
}

func (e *EditState) clone() *EditState {
	if e == nil {
		return nil
	}
	cp := &EditState{
		OriginalContent: e.OriginalContent.clone(),
		CurrentContent:  e.CurrentContent.clone(),
		Chain:           make([]EditRecord, len(e.Chain)),
	}
	for i, r := range e.Chain {
		if r.Timestamp != nil {
			ts := *r.Timestamp
			r.Timestamp = &ts
		}
		cp.Chain[i] = r
	}
	return cp
}

// Message is the canonical, de-duplicated projection of one room event.
//
// ID is the originating event identity. Timestamp is informational and never
// used for ordering.
type Message struct {
	ID           string
	Sender       string
	Content      Content
	EditState    *EditState
	OrderingKey  OrderingKey
	Availability Availability
	Timestamp    *time.Time
}

// Clone returns a deep copy that shares no mutable state with m.
func (m Message) Clone() Message {
	cp := m
	cp.Content = m.Content.clone()
	cp.EditState = m.EditState.clone()
	if m.Availability.Cause != nil {
		c := *m.Availability.Cause
		cp.Availability.Cause = &c
	}
	if m.Timestamp != nil {
		ts := *m.Timestamp
		cp.Timestamp = &ts
	}
	return cp
}
