package taskclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

/*
EVENT HISTORY - RING BUFFER OF INBOUND EVENTS

Every event the client receives is appended here before reconciliation, so
pollers (the HTTP gateway, MCP tools, agentctl) can replay what the agent did.

    Logical view (indices are monotonically increasing):
    ┌──────────────────────────────────────────────────────────┐
    │ ... [purged] ... │ startIndex │ event │ ... │ lastIndex │
    └──────────────────────────────────────────────────────────┘

RESUMPTION PROTOCOL:

    1. First poll: since = -1 (all buffered events)
    2. Response carries the highest index returned
    3. Next poll: since = that index
    4. A poller that fell behind the window gets a purge error

Appends come from the owner loop only; reads may come from anywhere.
*/

// DefaultEventBufferSize bounds the event history
const DefaultEventBufferSize = 1000

// BufferedEvent wraps an inbound event with its position in the history
type BufferedEvent struct {
	Index     int          `json:"index"`
	Timestamp time.Time    `json:"timestamp"`
	Event     *agent.Event `json:"event"`
}

// EventBuffer is a bounded history with index-based resumption
type EventBuffer struct {
	events        []*BufferedEvent
	maxSize       int
	startIndex    int
	droppedEvents int64
	mu            sync.RWMutex
}

// BufferStats describes the history window
type BufferStats struct {
	CurrentSize   int   `json:"current_size"`
	MaxSize       int   `json:"max_size"`
	StartIndex    int   `json:"start_index"`
	LastIndex     int   `json:"last_index"`
	DroppedEvents int64 `json:"dropped_events"`
}

// NewEventBuffer creates a history holding up to maxSize events
func NewEventBuffer(maxSize int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultEventBufferSize
	}
	return &EventBuffer{
		events:  make([]*BufferedEvent, 0, maxSize),
		maxSize: maxSize,
	}
}

// Append adds an event and returns its index
func (b *EventBuffer) Append(event *agent.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.events)
	ts := event.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	be := &BufferedEvent{Index: index, Timestamp: ts, Event: event}

	if len(b.events) >= b.maxSize {
		b.events[0] = nil
		b.events = b.events[1:]
		b.startIndex++
		b.droppedEvents++
		metrics.RecordEventDrop(metrics.DropBuffer)
	}
	b.events = append(b.events, be)
	return index
}

// ErrEventsPurged is returned when the requested index fell out of the window
var ErrEventsPurged = errors.New("events have been purged")

// After returns events after index (exclusive). index -1 returns everything
// still buffered.
func (b *EventBuffer) After(index int) ([]*BufferedEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index == -1 {
		result := make([]*BufferedEvent, len(b.events))
		copy(result, b.events)
		return result, nil
	}

	if index < b.startIndex-1 {
		return nil, fmt.Errorf("%w: index %d (oldest available: %d)", ErrEventsPurged, index, b.startIndex)
	}

	start := index - b.startIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(b.events) {
		return []*BufferedEvent{}, nil
	}

	result := make([]*BufferedEvent, len(b.events)-start)
	copy(result, b.events[start:])
	return result, nil
}

// LastIndex returns the index of the newest event, or -1 if empty
func (b *EventBuffer) LastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return -1
	}
	return b.startIndex + len(b.events) - 1
}

// Len returns the number of buffered events
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Stats returns the buffer window and overflow count
func (b *EventBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	last := -1
	if len(b.events) > 0 {
		last = b.startIndex + len(b.events) - 1
	}
	return BufferStats{
		CurrentSize:   len(b.events),
		MaxSize:       b.maxSize,
		StartIndex:    b.startIndex,
		LastIndex:     last,
		DroppedEvents: b.droppedEvents,
	}
}
