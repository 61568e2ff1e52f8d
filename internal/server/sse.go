package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/nodelab/flowd/internal/flow/engine"
)

// Broadcaster carries one flow run's progress events to any number of SSE
// subscribers, replaying history to late joiners. Safe for concurrent use.
type Broadcaster struct {
	mu      sync.Mutex
	history []engine.Event
	clients map[uint64]chan engine.Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed when the run finishes, never on a client drop
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan engine.Event),
		doneCh:  make(chan struct{}),
	}
}

// Send records ev in history and hands it to every subscriber. A subscriber
// whose buffer is full is dropped; a stalled connection must not hold up the
// run's event loop.
func (b *Broadcaster) Send(ev engine.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe registers a new client. The returned channel starts with a
// replay of everything sent so far and then carries live events; the done
// channel closes when the run finishes; calling unsub detaches the client.
func (b *Broadcaster) Subscribe() (<-chan engine.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sized for the whole history plus live headroom so the replay below
	// cannot block while the mutex is held.
	ch := make(chan engine.Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the run finished: doneCh closes and every remaining client
// channel drains to its end. Calling Close twice is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every event sent so far.
func (b *Broadcaster) History() []engine.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]engine.Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE subscribes to b and streams its events to w as Server-Sent
// Events until the run completes or the client disconnects. A completed run
// is terminated with an "event: done" marker so the frontend can stop
// reconnecting.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // keep nginx from buffering the stream
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// A closed channel means either run completion or a slow-client
				// drop; only the former gets the done marker.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
