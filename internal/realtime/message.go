// Package realtime fans table-scoped messages out to connected clients.
package realtime

import (
	"context"
	"errors"
)

// ErrConnectionClosed is returned by Send once a connection is gone.
var ErrConnectionClosed = errors.New("realtime: connection closed")

// Message is one outbound frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Connection is a live client socket. Send must not block.
type Connection interface {
	ID() string
	Send(message Message) error
}

// Envelope addresses a message to every member of a table except Origin.
type Envelope struct {
	TableID string
	Origin  string
	Message Message
}

// Publisher fans an envelope out to the table's subscribers.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}
