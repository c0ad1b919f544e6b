package events

import "sync"

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a per-room pub/sub event bus with support for global subscribers.
// The war engine emits structured events; each subscriber (websocket feed,
// metrics, history recorder) consumes them in its own way.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	global      []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific room's events.
func (b *Bus) Subscribe(room string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[room] = append(b.subscribers[room], sub)
}

// Unsubscribe removes a subscriber for a specific room.
func (b *Bus) Unsubscribe(room string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[room]
	for i, s := range subs {
		if s == sub {
			b.subscribers[room] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[room]) == 0 {
		delete(b.subscribers, room)
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// Emit sends an event to the subscribers of ev.Room and all global subscribers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Room]
	globals := b.global
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// RoomSubscribers returns the number of subscribers for a room.
func (b *Bus) RoomSubscribers(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[room])
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for room, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, room)
		} else {
			b.subscribers[room] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}

// Discard is an emitter sink that drops every event.
type Discard struct{}

// Emit implements the emitter contract by doing nothing.
func (Discard) Emit(Event) {}
