package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannelPrefix prefixes the per-table broadcast channels.
const DefaultChannelPrefix = "collab:broadcast:"

var (
	errMissingClient = errors.New("realtime: redis client is required")
	errMissingHub    = errors.New("realtime: hub is required")
)

const (
	opBusNew     = "realtime.bus.new"
	opBusPublish = "realtime.bus.publish"
	opBusRun     = "realtime.bus.run"
)

// RedisBusConfig describes the dependencies of a RedisBus.
type RedisBusConfig struct {
	Client        redis.UniversalClient
	Hub           *Hub
	ChannelPrefix string
	Logger        *zap.Logger
}

// RedisBus publishes envelopes over Redis pub/sub so every instance can deliver
// them to its own sockets through its Hub.
type RedisBus struct {
	client    redis.UniversalClient
	hub       *Hub
	prefix    string
	logger    *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

type wireEnvelope struct {
	TableID string          `json:"tableId"`
	Origin  string          `json:"origin,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRedisBus constructs a RedisBus.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, apperror.New(opBusNew, "missing_client", errMissingClient)
	}
	if cfg.Hub == nil {
		return nil, apperror.New(opBusNew, "missing_hub", errMissingHub)
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client: cfg.Client,
		hub:    cfg.Hub,
		prefix: prefix,
		logger: logger,
		ready:  make(chan struct{}),
	}, nil
}

// Publish sends the envelope to the table's channel.
func (b *RedisBus) Publish(ctx context.Context, envelope Envelope) error {
	data, err := json.Marshal(envelope.Message.Data)
	if err != nil {
		return apperror.New(opBusPublish, "encode_failed", err)
	}
	payload, err := json.Marshal(wireEnvelope{
		TableID: envelope.TableID,
		Origin:  envelope.Origin,
		Event:   envelope.Message.Event,
		Data:    data,
	})
	if err != nil {
		return apperror.New(opBusPublish, "encode_failed", err)
	}
	if err := b.client.Publish(ctx, b.prefix+envelope.TableID, payload).Err(); err != nil {
		b.logger.Error("realtime bus error",
			zap.String("operation", opBusPublish),
			zap.String("reason", "publish_failed"),
			zap.String("table_id", envelope.TableID),
			zap.Error(err))
		return apperror.New(opBusPublish, "publish_failed", err)
	}
	return nil
}

// Ready is closed once Run holds an active subscription.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run forwards messages from every table channel to the local hub until ctx ends.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return apperror.New(opBusRun, "subscribe_failed", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("realtime bus subscribed", zap.String("pattern", b.prefix+"*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			b.forward(message)
		}
	}
}

func (b *RedisBus) forward(message *redis.Message) {
	var wire wireEnvelope
	if err := json.Unmarshal([]byte(message.Payload), &wire); err != nil {
		b.logger.Warn("discarding undecodable broadcast",
			zap.String("channel", message.Channel),
			zap.Error(err))
		return
	}
	tableID := wire.TableID
	if tableID == "" {
		tableID = strings.TrimPrefix(message.Channel, b.prefix)
	}
	b.hub.Deliver(Envelope{
		TableID: tableID,
		Origin:  wire.Origin,
		Message: Message{Event: wire.Event, Data: wire.Data},
	})
}
