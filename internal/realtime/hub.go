package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub tracks the connections of this process per table and delivers messages to them.
// It satisfies Publisher for single-instance deployments.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Connection
	logger *zap.Logger
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]Connection),
		logger: logger,
	}
}

// Join adds the connection to the table's room. Joining twice is harmless.
func (h *Hub) Join(tableID string, connection Connection) {
	if tableID == "" || connection == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[tableID]
	if !ok {
		members = make(map[string]Connection)
		h.rooms[tableID] = members
	}
	members[connection.ID()] = connection
}

// Leave removes the connection from the table's room.
func (h *Hub) Leave(tableID, connectionID string) {
	h.mu.Lock()
	members := h.rooms[tableID]
	if members != nil {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.rooms, tableID)
		}
	}
	h.mu.Unlock()
}

// Members returns how many local connections watch the table.
func (h *Hub) Members(tableID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tableID])
}

// Deliver sends the envelope to every local member of the table except its origin
// and returns the number of successful sends.
func (h *Hub) Deliver(envelope Envelope) int {
	if envelope.TableID == "" || envelope.Message.Event == "" {
		return 0
	}
	h.mu.RLock()
	members := h.rooms[envelope.TableID]
	if len(members) == 0 {
		h.mu.RUnlock()
		return 0
	}
	recipients := make([]Connection, 0, len(members))
	for connectionID, connection := range members {
		if connectionID == envelope.Origin {
			continue
		}
		recipients = append(recipients, connection)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, connection := range recipients {
		if err := connection.Send(envelope.Message); err != nil {
			h.logger.Warn("dropped realtime message",
				zap.String("connection_id", connection.ID()),
				zap.String("table_id", envelope.TableID),
				zap.String("event", envelope.Message.Event),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Publish delivers locally.
func (h *Hub) Publish(_ context.Context, envelope Envelope) error {
	h.Deliver(envelope)
	return nil
}
