package timeline

import (
	"log/slog"
	"time"

	ev1 "canon/shared/contracts/events/v1"
)

// EditAdapter applies m.replace edits to their parent message.
//
// Edits are appended to the chain in processing order, which is the caller's
// arrival order; edit timestamps never reorder the chain.
type EditAdapter struct {
	log *slog.Logger
}

// NewEditAdapter constructs an EditAdapter.
func NewEditAdapter(log *slog.Logger) *EditAdapter {
	if log == nil {
		log = discardLogger()
	}
	return &EditAdapter{log: log}
}

// Name implements Adapter.
func (a *EditAdapter) Name() string { return "edit" }

// Process implements Adapter. It only claims original m.room.message events
// carrying a replacement relation.
func (a *EditAdapter) Process(ev ev1.Event, c *Context) bool {
	if ev.Type != ev1.TypeRoomMessage || ev.IsRedacted() {
		return false
	}
	raw, err := ev.MessageContent()
	if err != nil {
		return false
	}
	parentID, newContent, ok := raw.Replacement()
	if !ok {
		return false
	}

	a.apply(c, parentID, ev.EventID, contentOf(*newContent), timestampOf(ev))
	return true
}

func (a *EditAdapter) apply(c *Context, parentID, editID string, content Content, ts *time.Time) {
	parent, ok := c.State.GetByID(parentID)
	if !ok {
		editsBuffered.Inc()
		a.log.Debug("timeline.edit.buffered", "edit_id", editID, "parent_id", parentID)
		c.State.AddPendingEdit(parentID, editID)
		return
	}

	if parent.Availability.State == Redacted {
		a.log.Debug("timeline.edit.ignored", "edit_id", editID, "parent_id", parentID, "reason", "redacted")
		return
	}
	if parent.EditState.HasEdit(editID) {
		a.log.Debug("timeline.edit.ignored", "edit_id", editID, "parent_id", parentID, "reason", "duplicate")
		return
	}

	record := EditRecord{
		EditID:      editID,
		Timestamp:   ts,
		OrderingKey: c.OrderingKey,
	}

	if parent.EditState != nil {
		parent.EditState.Chain = append(parent.EditState.Chain, record)
		parent.EditState.CurrentContent = content
	} else {
		parent.EditState = &EditState{
			OriginalContent: parent.Content,
			CurrentContent:  content,
			Chain:           []EditRecord{record},
		}
	}
	parent.Content = parent.EditState.CurrentContent

	c.State.Upsert(parent)
}
