// Package events fans job updates out to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"

	"github.com/uploadgate/uploadgate/internal/job"
)

// Event is a single server-sent frame.
type Event struct {
	Name string // "status" or "result"
	Data string // JSON string
}

// Hub maps job ids to subscriber channels. Publishing never blocks: a slow
// subscriber drops events instead of stalling the webhook receiver.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Subscribe creates a buffered channel for a job and returns it.
func (h *Hub) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel from the map.
func (h *Hub) Unsubscribe(jobID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[jobID]
	for i, c := range chans {
		if c == ch {
			h.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Publish notifies subscribers of a job update. Terminal updates send a
// final "result" event and close every channel for the job.
func (h *Hub) Publish(j *job.Job) {
	data, err := json.Marshal(j)
	if err != nil {
		return
	}

	if j.Status.IsTerminal() {
		h.notifyAndClose(j.ID, Event{Name: "result", Data: string(data)})
		return
	}
	h.notify(j.ID, Event{Name: "status", Data: string(data)})
}

func (h *Hub) notify(jobID string, event Event) {
	h.mu.RLock()
	chans := h.subs[jobID]
	h.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) notifyAndClose(jobID string, event Event) {
	h.mu.Lock()
	chans := h.subs[jobID]
	delete(h.subs, jobID)
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
