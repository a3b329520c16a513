package timeline

import (
	"log/slog"

	ev1 "canon/shared/contracts/events/v1"
)

// MessageAdapter handles plain, redacted and encrypted room messages, and
// redactions of other events.
type MessageAdapter struct {
	log *slog.Logger
}

// NewMessageAdapter constructs a MessageAdapter.
func NewMessageAdapter(log *slog.Logger) *MessageAdapter {
	if log == nil {
		log = discardLogger()
	}
	return &MessageAdapter{log: log}
}

// Name implements Adapter.
func (a *MessageAdapter) Name() string { return "message" }

// Process implements Adapter.
func (a *MessageAdapter) Process(ev ev1.Event, c *Context) bool {
	switch ev.Type {
	case ev1.TypeRoomMessage:
		if ev.IsRedacted() {
			a.upsertRedacted(ev, c)
			return true
		}
		return a.processPlain(ev, c)

	case ev1.TypeRoomEncrypted:
		if ev.IsRedacted() {
			a.upsertRedacted(ev, c)
			return true
		}
		a.processEncrypted(ev, c)
		return true

	case ev1.TypeRoomRedaction:
		if ev.IsRedacted() {
			return false
		}
		a.processRedaction(ev, c)
		return true

	default:
		return false
	}
}

func (a *MessageAdapter) processPlain(ev ev1.Event, c *Context) bool {
	raw, err := ev.MessageContent()
	if err != nil {
		eventsProcessed.WithLabelValues(a.Name(), "declined").Inc()
		a.log.Debug("timeline.message.bad_content", "event_id", ev.EventID, "err", err)
		return false
	}
	content := contentOf(raw)

	msg := Message{
		ID:           ev.EventID,
		Sender:       ev.Sender,
		Content:      content,
		OrderingKey:  c.OrderingKey,
		Availability: AvailableKnown(),
		Timestamp:    timestampOf(ev),
	}

	if existing, ok := c.State.GetByID(ev.EventID); ok {
		if !existing.Availability.CanTransitionTo(Known) {
			a.log.Debug("timeline.message.ignored", "event_id", ev.EventID, "availability", existing.Availability.State.String())
			return true
		}
		// Re-delivery after an edit: the plain content becomes the original,
		// the latest edit stays visible.
		if existing.EditState != nil {
			msg.EditState = existing.EditState
			msg.EditState.OriginalContent = content
			msg.Content = existing.EditState.CurrentContent
		}
	}

	c.State.Upsert(msg)

	if pending := c.State.TakePendingEdits(ev.EventID); len(pending) > 0 {
		a.log.Debug("timeline.message.pending_edits", "event_id", ev.EventID, "count", len(pending))
		c.Released = append(c.Released, pending...)
	}
	return true
}

func (a *MessageAdapter) upsertRedacted(ev ev1.Event, c *Context) {
	c.State.Upsert(Message{
		ID:           ev.EventID,
		Sender:       ev.Sender,
		Content:      RedactedContent(),
		OrderingKey:  c.OrderingKey,
		Availability: AvailableRedacted(),
		Timestamp:    timestampOf(ev),
	})
}

func (a *MessageAdapter) processEncrypted(ev ev1.Event, c *Context) {
	if existing, ok := c.State.GetByID(ev.EventID); ok {
		if existing.Availability.State != Encrypted {
			a.log.Debug("timeline.encrypted.ignored", "event_id", ev.EventID, "availability", existing.Availability.State.String())
			return
		}
		// Keep a cause the decryption subsystem already reported.
		existing.Timestamp = timestampOf(ev)
		c.State.Upsert(existing)
		return
	}

	c.State.Upsert(Message{
		ID:           ev.EventID,
		Sender:       ev.Sender,
		Content:      EmptyContent(),
		OrderingKey:  c.OrderingKey,
		Availability: AvailableEncrypted(nil),
		Timestamp:    timestampOf(ev),
	})
}

// processRedaction erases the target in place. Unknown targets are dropped,
// never buffered.
func (a *MessageAdapter) processRedaction(ev ev1.Event, c *Context) {
	target := ev.RedactsTarget()
	if target == "" {
		return
	}

	msg, ok := c.State.GetByID(target)
	if !ok {
		redactionsDropped.Inc()
		a.log.Debug("timeline.redaction.dropped", "event_id", ev.EventID, "target", target)
		return
	}

	msg.Content = RedactedContent()
	msg.Availability = AvailableRedacted()
	msg.EditState = nil
	c.State.Upsert(msg)
}
