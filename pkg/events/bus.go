// Package events broadcasts conversation activity to live observers such
// as the /v1/events stream.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	TypeChat     = "chat"     // a user or assistant turn
	TypeTool     = "tool"     // a tool call was executed
	TypeStatus   = "status"   // lifecycle info
	TypeReminder = "reminder" // reminder cycle finished
	TypeError    = "error"
)

// Event is a single broadcast record.
type Event struct {
	Type    string `json:"type"`
	User    string `json:"user,omitempty"`
	Turn    string `json:"turn,omitempty"` // exchange id
	Role    string `json:"role,omitempty"` // chat only
	Tool    string `json:"tool,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
	TS      string `json:"ts"`
}

// JSON serializes the event, stamping it if needed.
func (e Event) JSON() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// DefaultRecent is how many events a Bus retains for late subscribers.
const DefaultRecent = 200

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// NewBus creates a bus keeping the last maxRecent events. Zero or
// negative means DefaultRecent.
func NewBus(maxRecent int) *Bus {
	if maxRecent <= 0 {
		maxRecent = DefaultRecent
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   maxRecent,
	}
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned done channel identifies
// it to Unsubscribe, which the caller must eventually invoke.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes the subscriber and closes its event channel.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns up to n of the latest events, oldest first. n <= 0
// returns everything retained.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
