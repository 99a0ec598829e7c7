package service

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

const defaultEventBuffer = 256

// EventBus fans out lifecycle events to subscribers over buffered channels.
// Publishing never blocks: when a subscriber's buffer is full the oldest
// event is dropped and counted, so a slow consumer cannot stall execution.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.Event
	nextID  int
	buffer  int
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewEventBus creates an EventBus. bufferSize <= 0 selects the default.
func NewEventBus(bufferSize int, logger *zap.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultEventBuffer
	}
	return &EventBus{
		subs:   make(map[int]chan models.Event),
		buffer: bufferSize,
		logger: logger,
	}
}

// Subscribe registers a consumer. The returned cancel func closes the
// channel and removes the subscription.
func (b *EventBus) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish sends a named event with a JSON-encodable payload to every
// subscriber. Marshalling failures drop the payload, not the event.
func (b *EventBus) Publish(name string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("unencodable event payload",
				zap.String("event", name), zap.Error(err))
		} else {
			raw = data
		}
	}
	ev := models.Event{Name: name, Timestamp: time.Now(), Payload: raw}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Full buffer: evict the oldest, then retry once.
			select {
			case <-ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns how many events were discarded due to slow subscribers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
