package timeline

import (
	"log/slog"
	"sync"

	"github.com/google/btree"
)

const btreeDegree = 16

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *State) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSubscriberBuffer sets the per-subscription queue capacity.
func WithSubscriberBuffer(n int) Option {
	return func(s *State) {
		s.fanout = newBroadcaster(n)
	}
}

// State is the authoritative in-memory projection of one timeline.
//
// It exclusively owns every canonical Message, ordering-key allocation, the
// pending-edit buffer and the delta fan-out. No operation fails.
//
// Concurrency guarantees:
//   - Mutations are expected from a single writer; they are still serialized
//     by mu so deltas are published in mutation order.
//   - Snapshot/GetByID/Len are safe to call from any goroutine.
type State struct {
	log *slog.Logger

	mu      sync.RWMutex
	items   *btree.BTreeG[Message]
	byID    map[string]OrderingKey
	pending map[string][]string
	nextSeq uint64

	fanout *broadcaster
}

// NewState constructs an empty store.
func NewState(opts ...Option) *State {
	s := &State{
		log: discardLogger(),
		items: btree.NewG[Message](btreeDegree, func(a, b Message) bool {
			return a.OrderingKey < b.OrderingKey
		}),
		byID:    make(map[string]OrderingKey),
		pending: make(map[string][]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.fanout == nil {
		s.fanout = newBroadcaster(DefaultSubscriberBuffer)
	}
	return s
}

// Subscribe returns a new handle on the delta stream. It only observes deltas
// published after this call; pair it with Snapshot for history.
func (s *State) Subscribe() *Subscription {
	return s.fanout.subscribe()
}

// SubscriberCount returns the number of open subscriptions.
func (s *State) SubscriberCount() int {
	return s.fanout.count()
}

// AllocateOrderingKey returns a key strictly greater than every key
// previously allocated (or inserted) in this store.
func (s *State) AllocateOrderingKey() OrderingKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := OrderingKey(s.nextSeq)
	s.nextSeq++
	return k
}

// Upsert inserts msg if its identity is unseen (Insert delta) or overwrites
// the existing item in place (Update delta) and reports whether it was new.
//
// An existing item keeps its ordering key: the key carried by msg is ignored
// for known identities, so updates never move an item.
func (s *State) Upsert(msg Message) bool {
	msg = msg.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	key, exists := s.byID[msg.ID]
	if exists {
		msg.OrderingKey = key
	} else {
		if prev, ok := s.items.Get(Message{OrderingKey: msg.OrderingKey}); ok {
			// Keys are unique per live item: the newcomer replaces the holder.
			delete(s.byID, prev.ID)
			s.log.Warn("timeline.upsert.key_collision",
				"ordering_key", msg.OrderingKey.Uint64(), "replaced_id", prev.ID, "id", msg.ID)
		}
		s.byID[msg.ID] = msg.OrderingKey
		if next := msg.OrderingKey.Uint64() + 1; next > s.nextSeq {
			s.nextSeq = next
		}
	}
	s.items.ReplaceOrInsert(msg)

	if exists {
		s.fanout.publish(UpdateDelta(msg.OrderingKey, msg))
	} else {
		s.fanout.publish(InsertDelta(msg.OrderingKey, msg))
	}
	return !exists
}

// GetByID returns a copy of the message with the given identity.
func (s *State) GetByID(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	m, ok := s.items.Get(Message{OrderingKey: key})
	if !ok {
		return Message{}, false
	}
	return m.Clone(), true
}

// Snapshot returns copies of all items in ordering-key order.
func (s *State) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() []Message {
	out := make([]Message, 0, s.items.Len())
	s.items.Ascend(func(m Message) bool {
		out = append(out, m.Clone())
		return true
	})
	return out
}

// Len returns the number of items.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Len()
}

// AddPendingEdit buffers editID against a parent that is not yet known.
// Edits for the same parent keep their arrival order.
func (s *State) AddPendingEdit(parentID, editID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[parentID] = append(s.pending[parentID], editID)
}

// TakePendingEdits removes and returns the edits buffered for parentID, in
// arrival order. It returns nil when none are buffered.
func (s *State) TakePendingEdits(parentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	edits, ok := s.pending[parentID]
	if !ok {
		return nil
	}
	delete(s.pending, parentID)
	return edits
}

// PendingEditCount returns the number of buffered edits across all parents.
func (s *State) PendingEditCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, edits := range s.pending {
		n += len(edits)
	}
	return n
}

// Remove deletes the item at position from both indices and broadcasts a
// Remove delta. No adapter calls it today.
func (s *State) Remove(position OrderingKey) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.items.Delete(Message{OrderingKey: position})
	if !ok {
		return Message{}, false
	}
	delete(s.byID, m.ID)

	s.fanout.publish(RemoveDelta(position))
	return m, true
}

// EmitReset broadcasts a Reset carrying the full ordered snapshot.
func (s *State) EmitReset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fanout.publish(ResetDelta(s.snapshotLocked()))
}
