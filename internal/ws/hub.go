// Package ws fans release events out to streaming subscribers.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

// AllEnvironments subscribes to every environment's events.
const AllEnvironments = ""

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages subscriptions by environment name.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

type message struct {
	environment string
	payload     []byte
}

type subscription struct {
	environment string
	client      Subscriber
}

// NewHub creates a running Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
		logger:    logger.With("component", "ws"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.environment]; !ok {
				h.clients[sub.environment] = make(map[Subscriber]struct{})
			}
			h.clients[sub.environment][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.drop(sub.environment, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.environment, msg.payload)
			if msg.environment != AllEnvironments {
				h.deliver(AllEnvironments, msg.payload)
			}
		case <-h.done:
			for env, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, env)
			}
			return
		}
	}
}

func (h *Hub) deliver(environment string, payload []byte) {
	for c := range h.clients[environment] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.drop(environment, c)
		}
	}
}

func (h *Hub) drop(environment string, client Subscriber) {
	clients, ok := h.clients[environment]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, environment)
	}
}

// Register adds a client to an environment stream.
func (h *Hub) Register(environment string, client Subscriber) {
	select {
	case h.register <- subscription{environment: environment, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(environment string, client Subscriber) {
	select {
	case h.unreg <- subscription{environment: environment, client: client}:
	case <-h.done:
	}
}

// Publish sends ev to subscribers of its environment and to subscribers of
// every environment. Events are dropped when the hub is saturated so a slow
// client never stalls the pipeline.
func (h *Hub) Publish(ev domain.ReleaseEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode release event", "error", err)
		return
	}
	select {
	case h.broadcast <- message{environment: ev.Environment, payload: payload}:
	case <-h.done:
	default:
		h.logger.Warn("release event dropped", "release_id", ev.ReleaseID, "status", ev.Status)
	}
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
