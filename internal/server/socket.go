package server

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var errOutboxFull = errors.New("server: socket outbox full")

// SocketOptions tunes the websocket transport. Zero values take defaults.
type SocketOptions struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	OutboxSize      int
}

func (o SocketOptions) withDefaults() SocketOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 256
	}
	return o
}

func newConnectionID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// socketConnection adapts a websocket to realtime.Connection. Outbound frames
// are queued on a bounded outbox drained by a single writer goroutine.
type socketConnection struct {
	id        string
	conn      *websocket.Conn
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	options   SocketOptions
	logger    *zap.Logger
}

func newSocketConnection(conn *websocket.Conn, options SocketOptions, logger *zap.Logger) *socketConnection {
	return &socketConnection{
		id:      newConnectionID(),
		conn:    conn,
		outbox:  make(chan []byte, options.OutboxSize),
		done:    make(chan struct{}),
		options: options,
		logger:  logger,
	}
}

func (s *socketConnection) ID() string {
	return s.id
}

// Send queues the message without blocking. A full outbox drops it.
func (s *socketConnection) Send(message realtime.Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return realtime.ErrConnectionClosed
	default:
	}
	select {
	case s.outbox <- payload:
		return nil
	default:
		s.logger.Warn("socket outbox full, dropping message",
			zap.String("connection_id", s.id),
			zap.String("event", message.Event))
		return errOutboxFull
	}
}

func (s *socketConnection) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *socketConnection) writeLoop() {
	ticker := time.NewTicker(s.options.PingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("socket write failed", zap.String("connection_id", s.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("socket ping failed", zap.String("connection_id", s.id), zap.Error(err))
				return
			}
		}
	}
}

// readLoop hands every text frame to handle until the peer goes away.
func (s *socketConnection) readLoop(handle func([]byte)) {
	defer s.close()

	s.conn.SetReadLimit(s.options.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("socket closed unexpectedly", zap.String("connection_id", s.id), zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}
