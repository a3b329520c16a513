package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultMemMaxEventsPerRoom = 10_000

// InMemoryJournal is the fallback when no database is configured.
// It bounds each room to maxPerRoom events, dropping the oldest; a dropped
// event is simply absent from later hydrations.
type InMemoryJournal struct {
	maxPerRoom int

	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	seq    int64
	events []StoredEvent // ordered by seq
}

// NewInMemoryJournal constructs an in-memory EventJournal. maxPerRoom <= 0
// selects the default bound.
func NewInMemoryJournal(maxPerRoom int) *InMemoryJournal {
	if maxPerRoom <= 0 {
		maxPerRoom = defaultMemMaxEventsPerRoom
	}
	return &InMemoryJournal{
		maxPerRoom: maxPerRoom,
		rooms:      make(map[string]*memRoom),
	}
}

// Close closes the journal (noop for in-memory).
func (j *InMemoryJournal) Close() error { return nil }

// Append journals one event and allocates its room-local seq.
func (j *InMemoryJournal) Append(ctx context.Context, in AppendEventInput) (StoredEvent, error) {
	if err := validateAppend(in); err != nil {
		return StoredEvent{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoredEvent{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	r := j.rooms[in.RoomID]
	if r == nil {
		r = &memRoom{events: make([]StoredEvent, 0, 256)}
		j.rooms[in.RoomID] = r
	}

	r.seq++
	ev := StoredEvent{
		RoomID:     in.RoomID,
		Seq:        r.seq,
		EventID:    in.EventID,
		Raw:        append([]byte(nil), in.Raw...),
		ReceivedAt: now,
	}
	r.events = append(r.events, ev)

	if len(r.events) > j.maxPerRoom {
		r.events = append([]StoredEvent(nil), r.events[len(r.events)-j.maxPerRoom:]...)
	}
	return ev, nil
}

// Load returns events ordered by seq ASC with paging via AfterSeq.
func (j *InMemoryJournal) Load(ctx context.Context, in LoadEventsInput) (LoadEventsResult, error) {
	if in.RoomID == "" {
		return LoadEventsResult{}, ErrRoomIDRequired
	}
	if err := ctx.Err(); err != nil {
		return LoadEventsResult{}, err
	}

	limit := clampLoadLimit(in.Limit)

	j.mu.Lock()
	defer j.mu.Unlock()

	r := j.rooms[in.RoomID]
	if r == nil || len(r.events) == 0 {
		return LoadEventsResult{}, nil
	}

	start := sort.Search(len(r.events), func(i int) bool { return r.events[i].Seq > in.AfterSeq })
	end := start + limit
	if end > len(r.events) {
		end = len(r.events)
	}

	out := append([]StoredEvent(nil), r.events[start:end]...)
	return LoadEventsResult{Events: out, HasMore: end < len(r.events)}, nil
}

// Find scans the room newest-first for eventID.
func (j *InMemoryJournal) Find(ctx context.Context, roomID, eventID string) (StoredEvent, bool, error) {
	if roomID == "" {
		return StoredEvent{}, false, ErrRoomIDRequired
	}
	if err := ctx.Err(); err != nil {
		return StoredEvent{}, false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	r := j.rooms[roomID]
	if r == nil {
		return StoredEvent{}, false, nil
	}
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventID == eventID {
			return r.events[i], true, nil
		}
	}
	return StoredEvent{}, false, nil
}
