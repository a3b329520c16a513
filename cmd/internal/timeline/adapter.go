package timeline

import (
	"io"
	"log/slog"

	ev1 "canon/shared/contracts/events/v1"
)

// Context bundles what an adapter needs for one dispatch: the store it
// mutates and the ordering key pre-allocated for this event.
type Context struct {
	State       *State
	OrderingKey OrderingKey

	// Released collects edit identities taken out of the pending buffer
	// during this dispatch. The engine does not replay them; the caller
	// decides.
	Released []string
}

// Adapter translates one raw event into zero or more State mutations.
// Process returns true when the adapter claimed the event, which stops the
// pipeline.
type Adapter interface {
	Name() string
	Process(ev ev1.Event, c *Context) bool
}

// Pipeline tries adapters in a fixed priority order; the first claim wins.
type Pipeline struct {
	log      *slog.Logger
	adapters []Adapter
}

// NewPipeline constructs a pipeline over adapters, tried in the given order.
func NewPipeline(log *slog.Logger, adapters ...Adapter) *Pipeline {
	if log == nil {
		log = discardLogger()
	}
	list := make([]Adapter, 0, len(adapters))
	for _, a := range adapters {
		if a != nil {
			list = append(list, a)
		}
	}
	return &Pipeline{log: log, adapters: list}
}

// DefaultPipeline returns the standard order: edits first, since an edit is
// syntactically also a message, then generic message handling.
func DefaultPipeline(log *slog.Logger) *Pipeline {
	return NewPipeline(log, NewEditAdapter(log), NewMessageAdapter(log))
}

// Dispatch runs ev through the adapters and reports whether one claimed it.
// Unclaimed events are dropped without effect.
func (p *Pipeline) Dispatch(ev ev1.Event, c *Context) bool {
	for _, a := range p.adapters {
		if a.Process(ev, c) {
			eventsProcessed.WithLabelValues(a.Name(), "handled").Inc()
			return true
		}
	}

	eventsProcessed.WithLabelValues("none", "declined").Inc()
	p.log.Debug("timeline.event.declined", "event_id", ev.EventID, "type", ev.Type)
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
