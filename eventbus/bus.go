package eventbus

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/protocol"
)

// slowHandlerThreshold is the handler duration after which the publisher
// logs the blocked time.
const slowHandlerThreshold = 250 * time.Millisecond

// Handler receives events published on a topic. Handlers run on the
// publisher's goroutine and must not block.
type Handler func(ev *protocol.Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process publish/subscribe hub for named topics. Delivery is
// synchronous and in subscription order; there is no queueing.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]subscription
	logger hclog.Logger
}

// New creates an empty bus.
func New(logger hclog.Logger) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{
		topics: make(map[string][]subscription),
		logger: logger.Named("eventbus"),
	}
}

// Subscribe registers handler on topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s.id == id {
					// copy so in-flight Publish iterations keep their snapshot
					next := make([]subscription, 0, len(subs)-1)
					next = append(next, subs[:i]...)
					next = append(next, subs[i+1:]...)
					b.topics[topic] = next
					break
				}
			}
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
		})
	}
}

// SubscribeMany subscribes the same handler to several topics.
func (b *Bus) SubscribeMany(topics []string, handler Handler) func() {
	unsubs := make([]func(), 0, len(topics))
	for _, t := range topics {
		unsubs = append(unsubs, b.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers ev to every subscriber of topic, in subscription order.
func (b *Bus) Publish(topic string, ev *protocol.Event) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		start := time.Now()
		s.handler(ev)
		if elapsed := time.Since(start); elapsed > slowHandlerThreshold {
			b.logger.Warn("subscriber blocked publisher", "topic", topic, "task_id", ev.TaskID, "blocked", elapsed)
		}
	}
}

// SubscriberCount returns the number of handlers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics lists the canonical event names.
func Topics() []string {
	out := make([]string, len(protocol.AllEvents))
	copy(out, protocol.AllEvents)
	return out
}
