package realtime

import (
	"canon/cmd/internal/timeline"
	v1 "canon/shared/contracts/realtime/v1"
)

// ItemToWire converts a canonical message to its wire form.
func ItemToWire(m timeline.Message) v1.ItemPayload {
	out := v1.ItemPayload{
		ID:           m.ID,
		Sender:       m.Sender,
		OrderingKey:  m.OrderingKey.Uint64(),
		Content:      contentToWire(m.Content),
		Availability: v1.AvailabilityPayload{State: m.Availability.State.String()},
		Timestamp:    m.Timestamp,
	}
	if m.Availability.Cause != nil {
		out.Availability.Cause = m.Availability.Cause.String()
	}

	if m.EditState != nil {
		edit := &v1.EditPayload{
			Original: contentToWire(m.EditState.OriginalContent),
			Chain:    make([]v1.EditRecordPayload, 0, len(m.EditState.Chain)),
		}
		for _, rec := range m.EditState.Chain {
			edit.Chain = append(edit.Chain, v1.EditRecordPayload{
				EditID:      rec.EditID,
				OrderingKey: rec.OrderingKey.Uint64(),
				Timestamp:   rec.Timestamp,
			})
		}
		out.Edit = edit
	}
	return out
}

// ItemsToWire converts a snapshot. The result is never nil.
func ItemsToWire(items []timeline.Message) []v1.ItemPayload {
	out := make([]v1.ItemPayload, 0, len(items))
	for _, m := range items {
		out = append(out, ItemToWire(m))
	}
	return out
}

// DeltaToWire converts an incremental delta. Reset deltas are carried by
// TimelineResetPayload instead and report false.
func DeltaToWire(roomID string, d timeline.Delta) (v1.TimelineDeltaPayload, bool) {
	out := v1.TimelineDeltaPayload{
		RoomID:   roomID,
		Position: d.Position.Uint64(),
	}

	switch d.Kind {
	case timeline.DeltaInsert:
		out.Kind = v1.DeltaInsert
	case timeline.DeltaUpdate:
		out.Kind = v1.DeltaUpdate
	case timeline.DeltaRemove:
		out.Kind = v1.DeltaRemove
	default:
		return v1.TimelineDeltaPayload{}, false
	}

	if d.Item != nil && d.Kind != timeline.DeltaRemove {
		item := ItemToWire(*d.Item)
		out.Item = &item
	}
	return out, true
}

func contentToWire(c timeline.Content) v1.ContentPayload {
	out := v1.ContentPayload{
		Type: c.Type.String(),
		Body: c.Body,
	}
	if c.Formatted != nil {
		out.Format = c.Formatted.Format
		out.FormattedBody = c.Formatted.Body
	}
	return out
}
