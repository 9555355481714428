package events

import (
	"strings"
	"sync"
	"time"
)

// Type names a session event category. Types are dotted so subscribers can
// filter whole categories with a trailing wildcard ("tool.*").
type Type string

const (
	SessionStarted         Type = "session.started"
	SessionRotationWarning Type = "session.rotation_warning"
	SessionRotated         Type = "session.rotated"
	SessionEnded           Type = "session.ended"
	SpeechStarted          Type = "speech.started"
	SpeechStopped          Type = "speech.stopped"
	ToolStarted            Type = "tool.started"
	ToolProgress           Type = "tool.progress"
	ToolCompleted          Type = "tool.completed"
	ToolFailed             Type = "tool.failed"
)

// Event is an immutable session notification. Data carries event-specific
// fields; callers must not mutate it after publishing.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

const subscriberBuffer = 256

type subscriber struct {
	pattern string
	ch      chan Event
}

// Bus fans session events out to any number of observers. Publish never
// blocks: a subscriber that stops draining its channel loses events rather
// than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	onDrop      func()
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]*subscriber)}
}

// SetDropHook installs a callback invoked once per dropped event, for metrics.
func (b *Bus) SetDropHook(hook func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = hook
}

// Subscribe registers an observer for events matching pattern. Pattern is
// either "*", an exact type ("tool.completed"), or a category wildcard
// ("tool.*"). The returned func removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(pattern string) (<-chan Event, func()) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = "*"
	}

	sub := &subscriber{pattern: pattern, ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers ev to every matching subscriber, best effort.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !Match(sub.pattern, ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Match reports whether an event type matches a filter pattern.
func Match(pattern string, t Type) bool {
	if pattern == "*" || pattern == string(t) {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(string(t), prefix+".")
	}
	return false
}
