package run

import (
	"sync"

	"github.com/entanglehq/entangle/pkg/models"
)

// subscriber buffer; a slow consumer loses intermediate events, never the
// terminal one.
const subBuffer = 64

// Hub fans progress events out to subscribers. Terminal events are sticky:
// a subscriber arriving after a run finished still receives its outcome.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[int]chan models.ProgressEvent
	terminal map[string]models.ProgressEvent
	nextSub  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]map[int]chan models.ProgressEvent),
		terminal: make(map[string]models.ProgressEvent),
	}
}

// Subscribe registers for a run's events. The returned cancel must be
// called to release the subscription; the channel closes after the
// terminal event or on cancel.
func (h *Hub) Subscribe(runID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subBuffer)

	h.mu.Lock()
	if ev, done := h.terminal[runID]; done {
		h.mu.Unlock()
		ch <- ev
		close(ch)
		return ch, func() {}
	}
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[int]chan models.ProgressEvent)
	}
	id := h.nextSub
	h.nextSub++
	h.subs[runID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs := h.subs[runID]; subs != nil {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its run. Intermediate
// events are dropped when a subscriber's buffer is full; terminal events
// end the subscription.
func (h *Hub) Publish(ev models.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Terminal() {
		h.terminal[ev.RunID] = ev
	}
	for id, ch := range h.subs[ev.RunID] {
		if ev.Terminal() {
			// Must land even on a full buffer: drop the oldest event.
			// The lock makes this the only sender, so space is guaranteed
			// after the drain.
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- ev
			}
			close(ch)
			delete(h.subs[ev.RunID], id)
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Terminal() {
		delete(h.subs, ev.RunID)
	}
}
