package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
)

const maxRoomIDBytes = 255

// ErrInvalidRoomID is returned for room ids that are too long or not UTF-8.
var ErrInvalidRoomID = errors.New("realtime: invalid room id")

// Hub owns in-memory rooms and provides stable room handles.
// Persistence lives behind EventJournal.
type Hub struct {
	log     *slog.Logger
	journal EventJournal
	opts    RoomOptions

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub. A nil journal selects an in-memory one.
func NewHub(log *slog.Logger, journal EventJournal, opts RoomOptions) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if journal == nil {
		journal = NewInMemoryJournal(0)
	}
	return &Hub{
		log:     log,
		journal: journal,
		opts:    opts,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable, hydrated room handle. Rooms are created
// lazily and rebuilt from the journal on first use; a failed hydration is
// retried by the next call.
func (h *Hub) GetOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	roomID, err := NormalizeRoomID(roomID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = NewRoom(h.log, roomID, h.journal, h.opts)
		h.rooms[roomID] = r
		roomsActive.Inc()
	}
	h.mu.Unlock()

	if err := r.Hydrate(ctx); err != nil {
		return nil, fmt.Errorf("hydrate room %s: %w", roomID, err)
	}
	return r, nil
}

// Room returns an already open room.
func (h *Hub) Room(roomID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	return r, ok
}

// Len returns the number of open rooms.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms)
}

// SubscriberCount returns the number of open delta subscriptions across rooms.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, r := range h.rooms {
		n += r.SubscriberCount()
	}
	return n
}

// SubscriptionsCollector exports SubscriberCount as a gauge. It is per hub,
// so it is registered alongside Collectors rather than part of them.
func (h *Hub) SubscriptionsCollector() prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "canon",
			Subsystem: "realtime",
			Name:      "subscriptions_active",
			Help:      "Open timeline delta subscriptions across all rooms.",
		},
		func() float64 { return float64(h.SubscriberCount()) },
	)
}

// NormalizeRoomID trims and validates a room id.
func NormalizeRoomID(roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", ErrRoomIDRequired
	}
	if len(roomID) > maxRoomIDBytes || !utf8.ValidString(roomID) {
		return "", ErrInvalidRoomID
	}
	return roomID, nil
}
