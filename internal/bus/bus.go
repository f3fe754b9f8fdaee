package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Handler processes a published payload. Handlers run synchronously on
// the publisher's goroutine and must not block indefinitely.
type Handler func(payload any)

// Bus is a typed in-process publish/subscribe hub. Delivery is
// synchronous and in emission order; a handler that panics is logged
// and skipped, and the remaining handlers still run.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[Topic][]Handler),
	}
}

// Subscribe registers a handler for a topic. Handlers are invoked in
// registration order.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers payload to every handler subscribed to topic.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	hs := b.handlers[topic]
	b.mu.RUnlock()

	b.published.Add(1)

	for _, h := range hs {
		b.invoke(topic, h, payload)
	}
}

// invoke runs a single handler, recovering panics so one misbehaving
// subscriber cannot take down the pipeline.
func (b *Bus) invoke(topic Topic, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.dropped.Add(1)
			log.Error().
				Str("topic", string(topic)).
				Interface("panic", r).
				Msg("bus: handler panic recovered")
		}
	}()
	h(payload)
}

// Stats returns bus counters.
type Stats struct {
	Published       int64 `json:"published"`
	HandlerFailures int64 `json:"handler_failures"`
	Topics          int   `json:"topics"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	topics := len(b.handlers)
	b.mu.RUnlock()

	return Stats{
		Published:       b.published.Load(),
		HandlerFailures: b.dropped.Load(),
		Topics:          topics,
	}
}
