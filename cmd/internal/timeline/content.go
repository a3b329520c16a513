package timeline

import (
	"time"

	ev1 "canon/shared/contracts/events/v1"
)

// messageTypeOf maps a raw msgtype to its canonical category.
// Notices and emotes render as text; unsupported types fall back to text.
func messageTypeOf(msgtype string) MessageType {
	switch msgtype {
	case ev1.MsgTypeImage:
		return MessageImage
	case ev1.MsgTypeVideo:
		return MessageVideo
	case ev1.MsgTypeAudio:
		return MessageAudio
	case ev1.MsgTypeFile:
		return MessageFile
	default:
		return MessageText
	}
}

// formattedOf extracts the formatted body. Only text-like types carry one.
func formattedOf(c ev1.MessageContent) *FormattedBody {
	switch c.MsgType {
	case ev1.MsgTypeText, ev1.MsgTypeNotice, ev1.MsgTypeEmote:
	default:
		return nil
	}
	if c.Format == "" || c.FormattedBody == "" {
		return nil
	}
	return &FormattedBody{Format: c.Format, Body: c.FormattedBody}
}

// contentOf builds canonical content from raw message content.
func contentOf(c ev1.MessageContent) Content {
	return Content{
		Type:      messageTypeOf(c.MsgType),
		Body:      c.Body,
		Formatted: formattedOf(c),
	}
}

func timestampOf(ev ev1.Event) *time.Time {
	ts, ok := ev.Timestamp()
	if !ok {
		return nil
	}
	return &ts
}
