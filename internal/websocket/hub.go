// The websocket hub fans progress frames out to subscribed clients. Clients
// join per-job groups; a frame published for a job reaches only the members of
// that job's group at the time of publishing (no replay).

package websocket

import (
	"encoding/json"
	"log"
	"time"

	"github.com/scanproof/scanproof-go/internal/models"
)

type subscription struct {
	client *Client
	jobID  string
}

type groupMessage struct {
	jobID string
	data  []byte
}

// Hub maintains the set of active clients and the per-job groups. All maps are
// owned by the Run goroutine; other goroutines talk to it through channels only.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Per-job subscriber groups.
	groups map[string]map[*Client]bool

	// Inbound messages to broadcast to every client.
	Broadcast chan []byte

	// Inbound messages addressed to one job's group.
	publish chan groupMessage

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		Broadcast:  make(chan []byte, 16),
		publish:    make(chan groupMessage, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
	}
}

// Run processes registrations, subscriptions and messages. It must be started
// exactly once, as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.removeClient(client)
			}

		case sub := <-h.subscribe:
			group, ok := h.groups[sub.jobID]
			if !ok {
				group = make(map[*Client]bool)
				h.groups[sub.jobID] = group
			}
			// Re-subscribing is a no-op join; the ack is sent either way.
			group[sub.client] = true
			ack, err := json.Marshal(models.ProgressUpdate{
				Type:      models.FrameSubscribed,
				JobID:     sub.jobID,
				Timestamp: time.Now().UTC(),
			})
			if err == nil {
				h.trySend(sub.client, ack)
			}

		case message := <-h.Broadcast:
			for client := range h.clients {
				h.trySend(client, message)
			}

		case message := <-h.publish:
			for client := range h.groups[message.jobID] {
				h.trySend(client, message.data)
			}
		}
	}
}

// BroadcastJSON marshals v and sends it to every connected client.
func (h *Hub) BroadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal websocket broadcast: %v", err)
		return
	}
	h.Broadcast <- data
}

// PublishJSON marshals v and sends it to the members of jobID's group.
func (h *Hub) PublishJSON(jobID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal websocket frame for job %s: %v", jobID, err)
		return
	}
	h.publish <- groupMessage{jobID: jobID, data: data}
}

// trySend queues a message for a client, dropping the client if its send
// buffer is full (a slow or dead connection must not stall the hub).
func (h *Hub) trySend(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.removeClient(client)
	}
}

func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for jobID, group := range h.groups {
		delete(group, client)
		if len(group) == 0 {
			delete(h.groups, jobID)
		}
	}
}
