package events

import (
	"log/slog"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// Bus fans trip events out to named subscribers (passenger sessions, driver
// sessions, the notification collaborator). Delivery is at-least-once;
// consumers de-duplicate on (trip id, seq). A slow subscriber loses its
// oldest buffered event rather than blocking publishers, and emergency
// events travel a priority lane that overtakes anything still queued.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	logger *slog.Logger
}

type subscriber struct {
	normal   chan models.TripEvent
	priority chan models.TripEvent
	out      chan models.TripEvent
	done     chan struct{}
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[string]*subscriber), logger: logger}
}

// Subscribe registers a named consumer and returns its event channel.
// Re-subscribing under the same name replaces the previous subscription.
func (b *Bus) Subscribe(name string, buffer int) <-chan models.TripEvent {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{
		normal:   make(chan models.TripEvent, buffer),
		priority: make(chan models.TripEvent, buffer),
		out:      make(chan models.TripEvent, buffer),
		done:     make(chan struct{}),
	}
	go s.pump()

	b.mu.Lock()
	if old, ok := b.subs[name]; ok {
		close(old.done)
	}
	b.subs[name] = s
	b.mu.Unlock()
	return s.out
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[name]; ok {
		close(s.done)
		delete(b.subs, name)
	}
}

func (b *Bus) Publish(ev models.TripEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, s := range b.subs {
		if !offer(s.normal, ev) {
			b.logger.Warn("event dropped for slow subscriber", "subscriber", name, "trip_id", ev.TripID, "seq", ev.Seq)
		}
	}
}

// PublishPriority delivers an event on the priority lane. Used for
// escalations, which must not queue behind routine lifecycle traffic.
func (b *Bus) PublishPriority(ev models.TripEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, s := range b.subs {
		if !offer(s.priority, ev) {
			b.logger.Warn("priority event dropped", "subscriber", name, "trip_id", ev.TripID, "seq", ev.Seq)
		}
	}
}

// offer sends without blocking, evicting the oldest queued event if the
// channel is full.
func offer(ch chan models.TripEvent, ev models.TripEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// pump drains priority first, then normal traffic.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.priority:
			s.deliver(ev)
		default:
			select {
			case <-s.done:
				return
			case ev := <-s.priority:
				s.deliver(ev)
			case ev := <-s.normal:
				s.deliver(ev)
			}
		}
	}
}

func (s *subscriber) deliver(ev models.TripEvent) {
	select {
	case s.out <- ev:
	case <-s.done:
	}
}
