// Package events provides the notification bus that carries state changes,
// trades, alerts and provider-health deltas to registered observers,
// including the API push hub.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type categorizes a notification.
type Type string

const (
	TypeStateChange    Type = "state_change"
	TypeTrade          Type = "trade"
	TypeAlert          Type = "alert"
	TypeProviderHealth Type = "provider_health"
	TypeOverride       Type = "override"
)

// Notification is one bus message. Payload is a JSON-marshalable value.
type Notification struct {
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes one notification. Handler failures are logged and never
// propagated to publishers.
type Handler func(Notification)

// Bus fans notifications out to subscribers. Publishing never blocks: each
// subscriber has a bounded queue and loses the oldest messages when slow.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[int64]*subscriber

	nextID  atomic.Int64
	dropped atomic.Int64
}

type subscriber struct {
	types   map[Type]bool // empty means all
	queue   chan Notification
	handler Handler
	done    chan struct{}
}

// NewBus creates the notification bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[int64]*subscriber),
	}
}

// Subscribe registers a handler for the given types (all types when empty).
// The returned cancel function removes the subscription.
func (b *Bus) Subscribe(handler Handler, typ ...Type) func() {
	sub := &subscriber{
		types:   make(map[Type]bool, len(typ)),
		queue:   make(chan Notification, 256),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, t := range typ {
		sub.types[t] = true
	}

	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go b.drain(sub)

	return func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.done)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) drain(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case n := <-sub.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("observer panic",
							zap.String("type", string(n.Type)),
							zap.Any("panic", r),
						)
					}
				}()
				sub.handler(n)
			}()
		}
	}
}

// Publish delivers a notification to every matching subscriber without
// blocking the publisher.
func (b *Bus) Publish(typ Type, payload any) {
	n := Notification{Type: typ, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[typ] {
			continue
		}
		for {
			select {
			case sub.queue <- n:
			default:
				// Slow observer: shed its oldest message and retry.
				select {
				case <-sub.queue:
					b.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped reports notifications shed because of slow observers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
