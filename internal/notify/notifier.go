// Package notify is the process-local publish/subscribe channel for call
// state-change events.
//
// Delivery is best effort: each subscriber handle owns a bounded outbound
// buffer, and a subscriber that cannot keep up is dropped rather than
// back-pressuring the publisher. There is no persistence and no replay.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"call-processing/internal/callstate"

	"github.com/google/uuid"
)

// AIResultSnapshot is the result payload attached to completion events.
type AIResultSnapshot struct {
	Transcript  string     `json:"transcript"`
	Sentiment   string     `json:"sentiment"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event describes one committed state transition. Publishers must only emit
// events after the transition's transaction has committed.
type Event struct {
	CallID    string            `json:"call_id"`
	State     callstate.State   `json:"state"`
	Timestamp time.Time         `json:"timestamp"`
	AIResult  *AIResultSnapshot `json:"ai_result,omitempty"`
}

// Handle is one subscriber's endpoint. Events arrive on Events() in publish
// order. The channel is closed when the handle is unsubscribed or dropped.
type Handle struct {
	id string
	ch chan Event

	closeOnce sync.Once
}

// Events returns the subscriber's delivery channel.
func (h *Handle) Events() <-chan Event { return h.ch }

func (h *Handle) close() {
	h.closeOnce.Do(func() { close(h.ch) })
}

// Notifier maps call ids to subscriber handles, plus a global set for
// subscribers interested in all updates.
type Notifier struct {
	log    *slog.Logger
	buffer int

	mu     sync.Mutex
	global map[*Handle]struct{}
	byCall map[string]map[*Handle]struct{}
}

// New creates a Notifier whose handles buffer up to buffer events.
func New(buffer int, log *slog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		log:    log,
		buffer: buffer,
		global: make(map[*Handle]struct{}),
		byCall: make(map[string]map[*Handle]struct{}),
	}
}

// Register creates a new handle. It receives nothing until subscribed.
func (n *Notifier) Register() *Handle {
	return &Handle{
		id: uuid.NewString(),
		ch: make(chan Event, n.buffer),
	}
}

// Subscribe registers interest. An empty callID subscribes to all updates.
func (n *Notifier) Subscribe(h *Handle, callID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if callID == "" {
		n.global[h] = struct{}{}
		return
	}
	set, ok := n.byCall[callID]
	if !ok {
		set = make(map[*Handle]struct{})
		n.byCall[callID] = set
	}
	set[h] = struct{}{}
}

// UnsubscribeGlobal removes only the all-updates registration, leaving any
// per-call subscriptions in place.
func (n *Notifier) UnsubscribeGlobal(h *Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.global, h)
}

// Unsubscribe removes the handle everywhere and closes its channel.
func (n *Notifier) Unsubscribe(h *Handle) {
	n.mu.Lock()
	n.remove(h)
	n.mu.Unlock()
	h.close()
}

// remove deletes h from every registry. Caller holds n.mu.
func (n *Notifier) remove(h *Handle) {
	delete(n.global, h)
	for callID, set := range n.byCall {
		delete(set, h)
		if len(set) == 0 {
			delete(n.byCall, callID)
		}
	}
}

// Publish fans the event out to the global set and the event's per-call set.
// A handle subscribed both ways receives the event once. Handles whose
// buffers are full are dropped and closed.
func (n *Notifier) Publish(ev Event) {
	var dropped []*Handle

	n.mu.Lock()
	targets := make(map[*Handle]struct{}, len(n.global))
	for h := range n.global {
		targets[h] = struct{}{}
	}
	for h := range n.byCall[ev.CallID] {
		targets[h] = struct{}{}
	}
	for h := range targets {
		select {
		case h.ch <- ev:
		default:
			n.remove(h)
			dropped = append(dropped, h)
		}
	}
	n.mu.Unlock()

	for _, h := range dropped {
		h.close()
		n.log.Warn("dropped slow subscriber", "subscriber_id", h.id, "call_id", ev.CallID)
	}
}
