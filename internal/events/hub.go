package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler consumes signals. Returned errors and panics are logged and do
// not stop delivery to other handlers or of later signals.
type Handler func(ctx context.Context, s Signal) error

// Publisher is the producer side of the hub.
type Publisher interface {
	Publish(ctx context.Context, s Signal)
}

type subscriber struct {
	id      string
	handler Handler
}

// Hub is a registry of rooms, each with its own subscribers. A room exists
// while it has at least one subscriber. Signals are delivered synchronously
// in subscription order.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string][]subscriber
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{rooms: make(map[string][]subscriber), logger: logger}
}

// Subscribe adds handler to room and returns the subscription id.
func (h *Hub) Subscribe(room string, handler Handler) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.rooms[room] = append(h.rooms[room], subscriber{id: id, handler: handler})
	h.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. The room is dropped with its last subscriber.
func (h *Hub) Unsubscribe(room, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.rooms[room]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(h.rooms, room)
		} else {
			h.rooms[room] = subs
		}
		return true
	}
	return false
}

// StopAll drops every room and subscription.
func (h *Hub) StopAll() {
	h.mu.Lock()
	h.rooms = make(map[string][]subscriber)
	h.mu.Unlock()
}

// Rooms returns the number of active rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Publish delivers s to the subscribers of its room.
func (h *Hub) Publish(ctx context.Context, s Signal) {
	h.mu.RLock()
	subs := append([]subscriber(nil), h.rooms[s.Source()]...)
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := h.deliver(ctx, sub, s); err != nil {
			h.logger.Error("signal handler failed",
				zap.String("room", s.Source()),
				zap.String("signal", Name(s)),
				zap.String("subscriber", sub.id),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, sub subscriber, s Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, s)
}
