// Package ws streams monitoring alerts to websocket subscribers.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// firehose is the stream key receiving every alert regardless of session.
const firehose = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages alert stream subscriptions by session ID. Subscribing to "*"
// receives every alert.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	closeOnce sync.Once
	done      chan struct{}
}

type message struct {
	sessionID string
	payload   []byte
}

type subscription struct {
	sessionID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.sessionID]; !ok {
				h.clients[sub.sessionID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.sessionID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.sessionID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.sessionID)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.sessionID, msg.payload)
			if msg.sessionID != firehose {
				h.deliver(firehose, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// Register adds a client to a session's alert stream. Use "*" for all
// sessions. Registration on a closed hub is a no-op.
func (h *Hub) Register(sessionID string, client Subscriber) {
	select {
	case h.register <- subscription{sessionID: sessionID, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client. Safe to call after Close.
func (h *Hub) Unregister(sessionID string, client Subscriber) {
	select {
	case h.unreg <- subscription{sessionID: sessionID, client: client}:
	case <-h.done:
	}
}

// Broadcast streams one alert to its session's subscribers and the firehose.
// Alerts without a session go to the firehose only.
func (h *Hub) Broadcast(alert domain.MonitoringAlert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	key := alert.SessionID
	if key == "" {
		key = firehose
	}
	select {
	case h.broadcast <- message{sessionID: key, payload: payload}:
	case <-h.done:
	}
}

// Close shuts the hub down and disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
