// ABOUTME: Manager event types and fan-out to subscribers
// ABOUTME: Slow subscribers miss events rather than blocking the coordination loop
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/picapico/audioshare/internal/speaker"
)

// Kind identifies an event
type Kind int

const (
	// SpeakersChanged: the speaker list or a speaker's settings changed
	SpeakersChanged Kind = iota + 1
	// StatusChanged: one speaker changed connection status
	StatusChanged
	// ConnectedCount: the settled number of connected speakers changed
	ConnectedCount
	// VolumeChanged: the shared volume changed
	VolumeChanged
	// Disconnected: a connected speaker dropped without being asked to.
	// Reconnect is the suggested response.
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case SpeakersChanged:
		return "speakers_changed"
	case StatusChanged:
		return "status_changed"
	case ConnectedCount:
		return "connected_count"
	case VolumeChanged:
		return "volume_changed"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is delivered to subscribers
type Event struct {
	Kind     Kind           `json:"kind"`
	Time     time.Time      `json:"time"`
	Speaker  *speaker.Info  `json:"speaker,omitempty"`
	Speakers []speaker.Info `json:"speakers,omitempty"`
	Count    int            `json:"count"`
	Volume   int            `json:"volume"`
}

// eventBufferSize is how many events a subscriber may fall behind
const eventBufferSize = 64

type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, eventBufferSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// publish returns how many subscribers missed the event
func (h *hub) publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	missed := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			missed++
		}
	}
	return missed
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
