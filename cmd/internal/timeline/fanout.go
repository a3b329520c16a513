package timeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"canon/cmd/internal/ids"
)

// DefaultSubscriberBuffer is the per-subscription queue capacity.
const DefaultSubscriberBuffer = 128

// ErrSubscriptionClosed is returned by Next/TryNext after Close.
var ErrSubscriptionClosed = errors.New("timeline: subscription closed")

// LaggedError reports that the subscriber fell behind and Skipped deltas were
// discarded. The subscriber must resync from State.Snapshot.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return "timeline: subscriber lagged, skipped " + strconv.FormatUint(e.Skipped, 10) + " deltas"
}

// Subscription is a receive-only handle on a State's delta stream. It
// observes every delta published after Subscribe, minus the ones discarded
// when its queue overflowed.
//
// Next and TryNext must be called from a single goroutine. Close may be
// called from anywhere.
type Subscription struct {
	id    string
	ch    chan Delta
	owner *broadcaster

	lagged  atomic.Uint64
	stashed *Delta

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscription's ULID.
func (s *Subscription) ID() string { return s.id }

// Done returns a channel that is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Next blocks until a delta is available, the subscription is closed, or ctx
// is done. After a run of discarded deltas it returns a *LaggedError once,
// before the first delta retained after the gap.
func (s *Subscription) Next(ctx context.Context) (Delta, error) {
	if d, ok, err := s.ready(); ok {
		return d, err
	}

	select {
	case <-s.done:
		return Delta{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	case d := <-s.ch:
		return s.deliver(d)
	}
}

// TryNext is the non-blocking form of Next. ok is false when no delta is
// buffered.
func (s *Subscription) TryNext() (Delta, bool, error) {
	if d, ok, err := s.ready(); ok {
		return d, err == nil, err
	}

	select {
	case raw := <-s.ch:
		d, err := s.deliver(raw)
		return d, err == nil, err
	default:
		return Delta{}, false, nil
	}
}

// Close unsubscribes immediately. Idempotent; has no effect on the store or
// on other subscribers.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.owner != nil {
			s.owner.remove(s.id)
		}
	})
}

// ready returns what Next must deliver without reading the queue: the closed
// state, a pending lag report, or a delta held back by one.
func (s *Subscription) ready() (Delta, bool, error) {
	select {
	case <-s.done:
		return Delta{}, true, ErrSubscriptionClosed
	default:
	}
	if n := s.lagged.Swap(0); n > 0 {
		return Delta{}, true, &LaggedError{Skipped: n}
	}
	if s.stashed != nil {
		d := *s.stashed
		s.stashed = nil
		return d, true, nil
	}
	return Delta{}, false, nil
}

func (s *Subscription) deliver(d Delta) (Delta, error) {
	if n := s.lagged.Swap(0); n > 0 {
		s.stashed = &d
		return Delta{}, &LaggedError{Skipped: n}
	}
	return d, nil
}

// push enqueues d, discarding the oldest unread deltas when the queue is
// full. Callers serialize pushes per subscription (broadcaster.mu).
func (s *Subscription) push(d Delta) {
	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.ch <- d:
			return
		default:
		}

		select {
		case <-s.ch:
			s.lagged.Add(1)
			deltasDropped.Inc()
		default:
		}
	}
}

// broadcaster is the bounded, lossy fan-out behind State.Subscribe.
type broadcaster struct {
	buffer int

	mu   sync.Mutex
	subs map[string]*Subscription
}

func newBroadcaster(buffer int) *broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &broadcaster{
		buffer: buffer,
		subs:   make(map[string]*Subscription),
	}
}

func (b *broadcaster) subscribe() *Subscription {
	s := &Subscription{
		id:    ids.Make(),
		ch:    make(chan Delta, b.buffer),
		owner: b,
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	return s
}

func (b *broadcaster) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// publish fans d out to every live subscriber. It never blocks and has no
// failure mode; with zero subscribers it is a no-op.
func (b *broadcaster) publish(d Delta) {
	deltasPublished.WithLabelValues(d.Kind.String()).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		s.push(d.clone())
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
