// Package events is the in-process broadcast bus behind the /events
// websocket stream. Components publish; the stream and tests subscribe.
// A nil *Bus accepts Publish and drops everything.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event sources.
const (
	SourceExpansion = "expansion" // interceptor dispatcher
	SourceMail      = "mail"      // send lifecycle
	SourceEmail     = "email"     // inbox poller
	SourceScheduler = "scheduler"
	SourceSettings  = "settings"
	SourceHealth    = "health" // connection watchers
)

// Event kinds, with the Data keys each carries.
const (
	KindInterceptorDone = "interceptor_done" // dispatch_id expansion trigger ok duration_ms
	KindDispatchDone    = "dispatch_done"    // dispatch_id trigger policy status ran

	KindSendBlocked = "send_blocked" // user expansion message
	KindSent        = "sent"         // user message_id recipients

	KindPollStart    = "poll_start"    // accounts
	KindPollComplete = "poll_complete" // accounts new_messages

	KindTaskFired    = "task_fired"    // job
	KindTaskComplete = "task_complete" // job ok duration_ms

	KindSettingsWritten = "settings_written" // user

	KindServiceUp   = "service_up"   // service
	KindServiceDown = "service_down" // service error
)

// Event is one published occurrence. Data values must be JSON
// encodable since the stream writes events as-is.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// User returns the user an event concerns, if any.
func (e Event) User() (string, bool) {
	u, ok := e.Data["user"].(string)
	return u, ok
}

// Filter decides whether a subscriber receives an event.
type Filter func(Event) bool

// ForUser passes events about user plus events that name no user.
func ForUser(user string) Filter {
	return func(e Event) bool {
		owner, ok := e.User()
		return !ok || owner == user
	}
}

// FromSources passes events from any of sources. With no sources it
// passes everything.
func FromSources(sources ...string) Filter {
	if len(sources) == 0 {
		return func(Event) bool { return true }
	}
	return func(e Event) bool { return slices.Contains(sources, e.Source) }
}

type subscriber struct {
	ch      chan Event
	filters []Filter
	dropped atomic.Uint64
}

func (s *subscriber) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Bus fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every subscriber whose filters pass it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel that receives events passing
// all of filters. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int, filters ...Filter) <-chan Event {
	s := &subscriber{ch: make(chan Event, bufSize), filters: filters}
	b.mu.Lock()
	b.subs[s.ch] = s
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe closes ch and returns how many events it missed because
// its buffer was full. Unknown channels return 0.
func (b *Bus) Unsubscribe(ch <-chan Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return 0
	}
	delete(b.subs, ch)
	close(s.ch)
	return s.dropped.Load()
}

// SubscriberCount is the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
