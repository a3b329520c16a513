// Package realtime hosts canonical timelines for rooms: the single writer
// that feeds raw events through the projection engine, the raw-event journal
// used to rebuild it, and the WebSocket and HTTP surfaces clients use.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canon/cmd/internal/timeline"
	ev1 "canon/shared/contracts/events/v1"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("canon/realtime")

const defaultHydratePageSize = 500

// RoomOptions configures every room created by a Hub.
type RoomOptions struct {
	// SubscriberBuffer is the per-subscription delta queue capacity.
	SubscriberBuffer int

	// ReplayPendingEdits re-dispatches buffered edits, loaded from the
	// journal, once their parent arrives. Off by default: the projection
	// itself never replays.
	ReplayPendingEdits bool

	// HydratePageSize is the journal page size used when rebuilding.
	HydratePageSize int
}

// IngestResult reports how one raw event was projected.
type IngestResult struct {
	EventID     string
	Handled     bool
	OrderingKey timeline.OrderingKey
	Released    []string
	Replayed    int
}

// Room owns one canonical timeline. It is the single writer of its State:
// every mutation goes through mu, in arrival order.
type Room struct {
	ID string

	log      *slog.Logger
	journal  EventJournal
	opts     RoomOptions
	state    *timeline.State
	pipeline *timeline.Pipeline

	mu       sync.Mutex
	hydrated bool
}

// NewRoom constructs an empty, not yet hydrated room.
func NewRoom(log *slog.Logger, id string, journal EventJournal, opts RoomOptions) *Room {
	if log == nil {
		log = slog.Default()
	}
	if journal == nil {
		journal = NewInMemoryJournal(0)
	}
	if opts.HydratePageSize <= 0 {
		opts.HydratePageSize = defaultHydratePageSize
	}

	rlog := log.With("room_id", id)
	stateOpts := []timeline.Option{timeline.WithLogger(rlog)}
	if opts.SubscriberBuffer > 0 {
		stateOpts = append(stateOpts, timeline.WithSubscriberBuffer(opts.SubscriberBuffer))
	}

	return &Room{
		ID:       id,
		log:      rlog,
		journal:  journal,
		opts:     opts,
		state:    timeline.NewState(stateOpts...),
		pipeline: timeline.DefaultPipeline(rlog),
	}
}

// Ingest validates raw, journals it and projects it.
//
// Events that no adapter claims are still journaled and reported with
// Handled=false. A journal failure leaves the projection untouched.
func (r *Room) Ingest(ctx context.Context, raw json.RawMessage) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "room.ingest", trace.WithAttributes(attribute.String("room.id", r.ID)))
	defer span.End()

	ev, err := ev1.Parse(raw)
	if err != nil {
		ingestTotal.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, "invalid event")
		return IngestResult{}, err
	}
	span.SetAttributes(attribute.String("event.id", ev.EventID), attribute.String("event.type", ev.Type))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.journal.Append(ctx, AppendEventInput{
		RoomID:  r.ID,
		EventID: ev.EventID,
		Raw:     raw,
		Now:     time.Now().UTC(),
	}); err != nil {
		ingestTotal.WithLabelValues("journal_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "journal append")
		return IngestResult{}, fmt.Errorf("journal append: %w", err)
	}

	res := r.dispatchLocked(ev)
	if r.opts.ReplayPendingEdits && len(res.Released) > 0 {
		res.Replayed = r.replayLocked(ctx, res.Released)
	}

	span.SetAttributes(
		attribute.Bool("timeline.handled", res.Handled),
		attribute.Int64("timeline.ordering_key", int64(res.OrderingKey.Uint64())),
	)
	if res.Handled {
		ingestTotal.WithLabelValues("handled").Inc()
	} else {
		ingestTotal.WithLabelValues("declined").Inc()
		r.log.Debug("room.ingest.declined", "event_id", ev.EventID, "type", ev.Type)
	}
	return res, nil
}

// Hydrate rebuilds the projection from the journal, then publishes a Reset.
// It runs at most once successfully; later calls are no-ops.
func (r *Room) Hydrate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hydrated {
		return nil
	}

	ctx, span := tracer.Start(ctx, "room.hydrate", trace.WithAttributes(attribute.String("room.id", r.ID)))
	defer span.End()

	start := time.Now()
	var (
		after   int64
		applied int
		skipped int
	)
	for {
		page, err := r.journal.Load(ctx, LoadEventsInput{
			RoomID:   r.ID,
			AfterSeq: after,
			Limit:    r.opts.HydratePageSize,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "journal load")
			return fmt.Errorf("journal load: %w", err)
		}

		for _, stored := range page.Events {
			after = stored.Seq

			ev, err := ev1.Parse(stored.Raw)
			if err != nil {
				skipped++
				r.log.Warn("room.hydrate.skip", "seq", stored.Seq, "event_id", stored.EventID, "err", err)
				continue
			}

			res := r.dispatchLocked(ev)
			if r.opts.ReplayPendingEdits && len(res.Released) > 0 {
				r.replayLocked(ctx, res.Released)
			}
			applied++
		}

		if !page.HasMore || len(page.Events) == 0 {
			break
		}
	}

	r.hydrated = true
	r.state.EmitReset()
	span.SetAttributes(attribute.Int("hydrate.applied", applied), attribute.Int("hydrate.skipped", skipped))

	hydrateSeconds.Observe(time.Since(start).Seconds())
	r.log.Info("room.hydrate.done",
		"events", applied,
		"skipped", skipped,
		"items", r.state.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Resync publishes a Reset carrying the current snapshot.
func (r *Room) Resync() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.EmitReset()
}

// ReportUndecryptable records a decryption failure cause for an Encrypted
// item. It reports false when the item is unknown or not Encrypted.
func (r *Room) ReportUndecryptable(eventID string, cause timeline.UTDCause) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok := timeline.MarkUndecryptable(r.state, eventID, cause)
	if ok {
		r.log.Info("room.utd.reported", "event_id", eventID, "cause", cause.String())
	}
	return ok
}

// Snapshot returns the room's items in ascending ordering-key order.
func (r *Room) Snapshot() []timeline.Message {
	return r.state.Snapshot()
}

// Get returns the item with the given identity.
func (r *Room) Get(eventID string) (timeline.Message, bool) {
	return r.state.GetByID(eventID)
}

// Subscribe opens a delta subscription on the room's timeline.
func (r *Room) Subscribe() *timeline.Subscription {
	return r.state.Subscribe()
}

// SubscriberCount returns the number of open subscriptions on the room.
func (r *Room) SubscriberCount() int {
	return r.state.SubscriberCount()
}

// SnapshotAndSubscribe atomically pairs a snapshot with a subscription that
// observes every later delta, so a client can render without gaps.
func (r *Room) SnapshotAndSubscribe() ([]timeline.Message, *timeline.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.Snapshot(), r.state.Subscribe()
}

func (r *Room) dispatchLocked(ev ev1.Event) IngestResult {
	c := &timeline.Context{State: r.state, OrderingKey: r.state.AllocateOrderingKey()}
	handled := r.pipeline.Dispatch(ev, c)

	return IngestResult{
		EventID:     ev.EventID,
		Handled:     handled,
		OrderingKey: c.OrderingKey,
		Released:    c.Released,
	}
}

// replayLocked re-dispatches released edits with freshly allocated keys, in
// the order they were buffered.
func (r *Room) replayLocked(ctx context.Context, released []string) int {
	replayed := 0
	for _, editID := range released {
		stored, ok, err := r.journal.Find(ctx, r.ID, editID)
		if err != nil {
			r.log.Warn("room.edit.replay.fail", "edit_id", editID, "err", err)
			continue
		}
		if !ok {
			r.log.Debug("room.edit.replay.missing", "edit_id", editID)
			continue
		}

		ev, err := ev1.Parse(stored.Raw)
		if err != nil {
			r.log.Warn("room.edit.replay.skip", "edit_id", editID, "err", err)
			continue
		}

		if r.dispatchLocked(ev).Handled {
			replayed++
			editsReplayed.Inc()
		}
	}
	return replayed
}
