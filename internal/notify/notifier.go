// Package notify fans reachability transitions out to subscribers. The
// delivery contract is at-least-once per transition to every subscriber
// registered before the transition occurred; late subscribers get no
// replay, but a bounded ring of recent events is kept for the API.
package notify

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/vigilproject/vigil/internal/buffer"
	"github.com/vigilproject/vigil/internal/models"
)

const subscriberBuffer = 64

// Notifier deduplicates and publishes transition events.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]chan models.TransitionEvent
	nextID int
	// last tracks the most recently announced state per host so repeated
	// sweeps on an already-Silent host announce nothing.
	last   map[string]models.Reachability
	recent *buffer.Ring[models.TransitionEvent]
	logger zerolog.Logger
	nowFn  func() time.Time
}

// New creates a Notifier retaining replayCapacity recent events.
func New(replayCapacity int, logger zerolog.Logger) *Notifier {
	return &Notifier{
		subs:   make(map[int]chan models.TransitionEvent),
		last:   make(map[string]models.Reachability),
		recent: buffer.New[models.TransitionEvent](replayCapacity),
		logger: logger.With().Str("component", "notify").Logger(),
		nowFn:  time.Now,
	}
}

// Subscribe registers a new transition stream. The returned cancel
// function must be called when the subscriber goes away; it closes the
// channel.
func (n *Notifier) Subscribe() (<-chan models.TransitionEvent, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan models.TransitionEvent, subscriberBuffer)
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish announces one transition. Same-state re-announcements are
// suppressed; the return value reports whether an event went out.
//
// The fan-out happens under the mutex: cancel closes subscriber
// channels under the same mutex, so sending outside it would race a
// concurrent cancel into a send on a closed channel. Sends are
// non-blocking, so holding the lock is cheap.
func (n *Notifier) Publish(hostID string, from, to models.Reachability, at time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.last[hostID]; ok && prev == to {
		return false
	}
	n.last[hostID] = to

	if at.IsZero() {
		at = n.nowFn()
	}
	ev := models.TransitionEvent{
		ID:     ulid.Make().String(),
		HostID: hostID,
		From:   from,
		To:     to,
		At:     at,
	}
	n.recent.Push(ev)

	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.logger.Warn().
				Str("host", hostID).
				Str("to", string(to)).
				Msg("Subscriber buffer full, dropping transition event")
		}
	}

	n.logger.Debug().
		Str("host", hostID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Transition published")
	return true
}

// Forget drops the dedup state for a removed host so a future
// re-discovery announces cleanly.
func (n *Notifier) Forget(hostID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.last, hostID)
}

// Recent returns the retained transition events, oldest first.
func (n *Notifier) Recent() []models.TransitionEvent {
	return n.recent.Items()
}
