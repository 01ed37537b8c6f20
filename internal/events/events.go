// Package events carries backend and lifecycle events from the host to its collaborators.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the type of an event
type Kind string

const (
	// KindReady is emitted once a backend has sent $ready
	KindReady Kind = "ready"
	// KindEvent carries an application-level $event notification
	KindEvent Kind = "event"
	// KindLog carries a $log notification
	KindLog Kind = "log"
	// KindStdout carries a stdout line that was not a JSON-RPC message
	KindStdout Kind = "stdout"
	// KindNotification carries any other notification sent by a backend
	KindNotification Kind = "notification"
	// KindExit is emitted when a backend process has exited
	KindExit Kind = "exit"
	// KindError is emitted when a backend process fails to spawn or its streams fail
	KindError Kind = "error"
	// KindInstall carries install job progress; Data holds the progress snapshot
	KindInstall Kind = "install"
)

// Event is a single backend or lifecycle event
type Event struct {
	Kind      Kind            `json:"kind"`
	ChannelID string          `json:"channelId"`
	ToolID    string          `json:"toolId"`
	Name      string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Methods   []string        `json:"methods,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Time      time.Time       `json:"time"`
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Filter selects the events a subscriber receives
type Filter func(e Event) bool

// ForTool returns a filter matching events of a single tool
func ForTool(toolID string) Filter {
	return func(e Event) bool {
		return e.ToolID == toolID
	}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber whose
// buffer is full misses the event and a warning is logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
}

// Interface guard for Bus
var _ Publisher = &Bus{}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Publish delivers e to every matching subscriber
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			zap.L().Warn("Dropping event for slow subscriber",
				zap.Uint64("subscriber", id),
				zap.String("kind", string(e.Kind)),
				zap.String("channel_id", e.ChannelID))
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned cancel
// function unregisters it and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int, filter Filter) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
