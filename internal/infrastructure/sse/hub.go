package sse

import (
	"sync"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// Hub indexes open streams by the party behind them: the user that opened
// the stream, plus the admin set for dashboards.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*notification.SSEClient
	parties map[string]map[string]*notification.SSEClient
	admins  map[string]*notification.SSEClient
}

func NewHub() *Hub {
	return &Hub{
		streams: make(map[string]*notification.SSEClient),
		parties: make(map[string]map[string]*notification.SSEClient),
		admins:  make(map[string]*notification.SSEClient),
	}
}

// Register adds the stream. A stream already registered under the same
// client id is closed and replaced.
func (h *Hub) Register(client *notification.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.streams[client.ClientID]; ok {
		h.drop(old)
	}
	h.streams[client.ClientID] = client
	byUser := h.parties[client.UserID]
	if byUser == nil {
		byUser = make(map[string]*notification.SSEClient)
		h.parties[client.UserID] = byUser
	}
	byUser[client.ClientID] = client
	if client.Admin {
		h.admins[client.ClientID] = client
	}
}

// Unregister closes the stream if it is still the one registered under its
// client id.
func (h *Hub) Unregister(client *notification.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[client.ClientID] == client {
		h.drop(client)
	}
}

func (h *Hub) drop(c *notification.SSEClient) {
	delete(h.streams, c.ClientID)
	delete(h.admins, c.ClientID)
	if byUser := h.parties[c.UserID]; byUser != nil {
		delete(byUser, c.ClientID)
		if len(byUser) == 0 {
			delete(h.parties, c.UserID)
		}
	}
	c.Close()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (h *Hub) Deliver(recipient string, transactionID uuid.UUID, message *notification.SSEMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var targets map[string]*notification.SSEClient
	switch recipient {
	case notification.RecipientAdmins:
		targets = h.admins
	case notification.RecipientSystem:
		targets = h.streams
	default:
		targets = h.parties[recipient]
	}
	sent := 0
	for _, c := range targets {
		if c.Follows(transactionID) && trySend(c, message) {
			sent++
		}
	}
	return sent
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.streams {
		h.drop(c)
	}
}

func trySend(c *notification.SSEClient, msg *notification.SSEMessage) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
