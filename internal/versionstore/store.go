// Package versionstore keeps per-entity version counters and the recent change log in Redis.
package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultKeyPrefix namespaces every key written by the store.
	DefaultKeyPrefix = "collab"
	// DefaultEventTTL bounds how long stamped events stay readable.
	DefaultEventTTL = 24 * time.Hour
	// DefaultOfflineTTL bounds how long an offline queue survives without appends.
	DefaultOfflineTTL = 7 * 24 * time.Hour

	maxTransactionAttempts = 16
)

var (
	errMissingClient = errors.New("versionstore: redis client is required")
	errContention    = errors.New("versionstore: version counter contention")
	errIDGeneration  = errors.New("versionstore: event id generation failed")
)

const (
	opStoreNew              = "versionstore.new"
	opCreateChangeEvent     = "versionstore.create_change_event"
	opGetEntityVersion      = "versionstore.get_entity_version"
	opGetLatestEntityEvent  = "versionstore.get_latest_entity_event"
	opGetRecentEvents       = "versionstore.get_recent_events"
	opStoreOfflineChange    = "versionstore.store_offline_change"
	opGetOfflineChanges     = "versionstore.get_offline_changes"
	opClearOfflineChanges   = "versionstore.clear_offline_changes"
	opMarkOfflineSubscriber = "versionstore.mark_offline_subscriber"
	opOfflineSubscribers    = "versionstore.offline_subscribers"
	opClearOfflineSubscribe = "versionstore.clear_offline_subscriber"
)

// Config describes the dependencies of a Store.
type Config struct {
	Client     redis.UniversalClient
	KeyPrefix  string
	EventTTL   time.Duration
	OfflineTTL time.Duration
	Clock      func() time.Time
	IDProvider changes.IDProvider
	Logger     *zap.Logger
}

// Store stamps change events with gap-free per-entity versions.
type Store struct {
	client     redis.UniversalClient
	keys       keyspace
	eventTTL   time.Duration
	offlineTTL time.Duration
	clock      func() time.Time
	idProvider changes.IDProvider
	logger     *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, apperror.New(opStoreNew, "missing_client", errMissingClient)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	eventTTL := cfg.EventTTL
	if eventTTL <= 0 {
		eventTTL = DefaultEventTTL
	}
	offlineTTL := cfg.OfflineTTL
	if offlineTTL <= 0 {
		offlineTTL = DefaultOfflineTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = changes.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		client:     cfg.Client,
		keys:       keyspace{prefix: prefix},
		eventTTL:   eventTTL,
		offlineTTL: offlineTTL,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateChangeEvent increments the entity counter and appends the stamped event
// to the log in one optimistic transaction. A failed attempt leaves no gap.
func (s *Store) CreateChangeEvent(ctx context.Context, draft changes.Draft) (changes.ChangeEvent, error) {
	if err := draft.Validate(); err != nil {
		return changes.ChangeEvent{}, apperror.New(opCreateChangeEvent, "invalid_draft", err)
	}

	counterKey := s.keys.version(draft.EntityType, draft.EntityID)
	var stamped changes.ChangeEvent

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, counterKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		// Minted per attempt so id order follows commit order.
		eventID, err := s.idProvider.NewID()
		if err != nil {
			return fmt.Errorf("%w: %w", errIDGeneration, err)
		}
		now := s.clock().UTC()
		event := changes.ChangeEvent{
			ID:         eventID,
			Type:       draft.Type,
			EntityType: draft.EntityType,
			EntityID:   draft.EntityID,
			TableID:    draft.TableID,
			BaseID:     draft.BaseID,
			UserID:     draft.UserID,
			Timestamp:  now,
			Version:    current + 1,
			Changes:    draft.Changes,
			Metadata:   draft.Metadata,
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}

		score := float64(now.UnixMilli())
		cutoff := strconv.FormatInt(now.Add(-s.eventTTL).UnixMilli(), 10)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, counterKey, event.Version, 0)
			pipe.Set(ctx, s.keys.event(event.ID), payload, s.eventTTL)

			entityKey := s.keys.entityEvents(event.EntityType, event.EntityID)
			pipe.ZAdd(ctx, entityKey, redis.Z{Score: float64(event.Version), Member: event.ID})
			pipe.ZRemRangeByRank(ctx, entityKey, 0, -2)
			pipe.Expire(ctx, entityKey, s.eventTTL)

			if event.TableID != "" {
				s.appendTimeIndex(ctx, pipe, s.keys.tableEvents(event.TableID), score, cutoff, event.ID)
			}
			if event.BaseID != "" {
				s.appendTimeIndex(ctx, pipe, s.keys.baseEvents(event.BaseID), score, cutoff, event.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		stamped = event
		return nil
	}

	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, counterKey)
		if err == nil {
			return stamped, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, errIDGeneration) {
			s.logError(opCreateChangeEvent, "id_generation_failed", err)
			return changes.ChangeEvent{}, apperror.New(opCreateChangeEvent, "id_generation_failed", err)
		}
		s.logError(opCreateChangeEvent, "transaction_failed", err,
			zap.String("entity_type", string(draft.EntityType)),
			zap.String("entity_id", draft.EntityID))
		return changes.ChangeEvent{}, apperror.New(opCreateChangeEvent, "transaction_failed", err)
	}

	s.logError(opCreateChangeEvent, "contention", errContention,
		zap.String("entity_type", string(draft.EntityType)),
		zap.String("entity_id", draft.EntityID))
	return changes.ChangeEvent{}, apperror.New(opCreateChangeEvent, "contention", errContention)
}

func (s *Store) appendTimeIndex(ctx context.Context, pipe redis.Pipeliner, key string, score float64, cutoff string, eventID string) {
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: eventID})
	pipe.Expire(ctx, key, s.eventTTL)
}

// GetEntityVersion returns the number of accepted changes for the entity.
func (s *Store) GetEntityVersion(ctx context.Context, entityType changes.EntityType, entityID string) (int64, error) {
	version, err := s.client.Get(ctx, s.keys.version(entityType, entityID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		s.logError(opGetEntityVersion, "read_failed", err, zap.String("entity_id", entityID))
		return 0, apperror.New(opGetEntityVersion, "read_failed", err)
	}
	return version, nil
}

// GetLatestEntityEvent returns the highest-versioned retained event for the entity,
// or nil when none is retained.
func (s *Store) GetLatestEntityEvent(ctx context.Context, entityType changes.EntityType, entityID string) (*changes.ChangeEvent, error) {
	ids, err := s.client.ZRevRange(ctx, s.keys.entityEvents(entityType, entityID), 0, 0).Result()
	if err != nil {
		s.logError(opGetLatestEntityEvent, "index_read_failed", err, zap.String("entity_id", entityID))
		return nil, apperror.New(opGetLatestEntityEvent, "index_read_failed", err)
	}
	events, err := s.loadEvents(ctx, opGetLatestEntityEvent, ids)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// GetRecentTableEvents returns up to limit retained events of the table, newest first.
func (s *Store) GetRecentTableEvents(ctx context.Context, tableID string, limit int) ([]changes.ChangeEvent, error) {
	return s.recentEvents(ctx, s.keys.tableEvents(tableID), limit)
}

// GetRecentBaseEvents returns up to limit retained events of the base, newest first.
func (s *Store) GetRecentBaseEvents(ctx context.Context, baseID string, limit int) ([]changes.ChangeEvent, error) {
	return s.recentEvents(ctx, s.keys.baseEvents(baseID), limit)
}

func (s *Store) recentEvents(ctx context.Context, indexKey string, limit int) ([]changes.ChangeEvent, error) {
	if limit <= 0 {
		return []changes.ChangeEvent{}, nil
	}
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		s.logError(opGetRecentEvents, "index_read_failed", err, zap.String("index", indexKey))
		return nil, apperror.New(opGetRecentEvents, "index_read_failed", err)
	}
	return s.loadEvents(ctx, opGetRecentEvents, ids)
}

// loadEvents resolves event ids in order, skipping events that already expired.
func (s *Store) loadEvents(ctx context.Context, operation string, ids []string) ([]changes.ChangeEvent, error) {
	events := make([]changes.ChangeEvent, 0, len(ids))
	if len(ids) == 0 {
		return events, nil
	}

	keys := make([]string, len(ids))
	for index, id := range ids {
		keys[index] = s.keys.event(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logError(operation, "event_read_failed", err)
		return nil, apperror.New(operation, "event_read_failed", err)
	}

	for index, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var event changes.ChangeEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			s.logger.Warn("skipping undecodable event",
				zap.String("operation", operation),
				zap.String("event_id", ids[index]),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// StoreOfflineChange appends event to the user's offline queue and refreshes its TTL.
func (s *Store) StoreOfflineChange(ctx context.Context, userID string, event changes.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return apperror.New(opStoreOfflineChange, "encode_failed", err)
	}
	queueKey := s.keys.offlineQueue(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, queueKey, payload)
		pipe.Expire(ctx, queueKey, s.offlineTTL)
		return nil
	})
	if err != nil {
		s.logError(opStoreOfflineChange, "append_failed", err, zap.String("user_id", userID))
		return apperror.New(opStoreOfflineChange, "append_failed", err)
	}
	return nil
}

// GetOfflineChanges returns the user's queued events in append order.
func (s *Store) GetOfflineChanges(ctx context.Context, userID string) ([]changes.ChangeEvent, error) {
	entries, err := s.client.LRange(ctx, s.keys.offlineQueue(userID), 0, -1).Result()
	if err != nil {
		s.logError(opGetOfflineChanges, "read_failed", err, zap.String("user_id", userID))
		return nil, apperror.New(opGetOfflineChanges, "read_failed", err)
	}
	events := make([]changes.ChangeEvent, 0, len(entries))
	for _, entry := range entries {
		var event changes.ChangeEvent
		if err := json.Unmarshal([]byte(entry), &event); err != nil {
			s.logger.Warn("skipping undecodable offline change",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// ClearOfflineChanges drops the user's offline queue.
func (s *Store) ClearOfflineChanges(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.keys.offlineQueue(userID)).Err(); err != nil {
		s.logError(opClearOfflineChanges, "delete_failed", err, zap.String("user_id", userID))
		return apperror.New(opClearOfflineChanges, "delete_failed", err)
	}
	return nil
}

// MarkOfflineSubscriber remembers that the user was watching tableIDs when their
// connection dropped.
func (s *Store) MarkOfflineSubscriber(ctx context.Context, userID string, tableIDs []string) error {
	if len(tableIDs) == 0 {
		return nil
	}
	userKey := s.keys.offlineTables(userID)
	members := make([]any, len(tableIDs))
	for index, tableID := range tableIDs {
		members[index] = tableID
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, userKey, members...)
		pipe.Expire(ctx, userKey, s.offlineTTL)
		for _, tableID := range tableIDs {
			tableKey := s.keys.offlineUsers(tableID)
			pipe.SAdd(ctx, tableKey, userID)
			pipe.Expire(ctx, tableKey, s.offlineTTL)
		}
		return nil
	})
	if err != nil {
		s.logError(opMarkOfflineSubscriber, "write_failed", err, zap.String("user_id", userID))
		return apperror.New(opMarkOfflineSubscriber, "write_failed", err)
	}
	return nil
}

// OfflineSubscribers lists users that were watching the table when they disconnected.
func (s *Store) OfflineSubscribers(ctx context.Context, tableID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.offlineUsers(tableID)).Result()
	if err != nil {
		s.logError(opOfflineSubscribers, "read_failed", err, zap.String("table_id", tableID))
		return nil, apperror.New(opOfflineSubscribers, "read_failed", err)
	}
	return members, nil
}

// ClearOfflineSubscriber forgets every offline subscription of the user.
func (s *Store) ClearOfflineSubscriber(ctx context.Context, userID string) error {
	userKey := s.keys.offlineTables(userID)
	tableIDs, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		s.logError(opClearOfflineSubscribe, "read_failed", err, zap.String("user_id", userID))
		return apperror.New(opClearOfflineSubscribe, "read_failed", err)
	}
	if len(tableIDs) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tableID := range tableIDs {
			pipe.SRem(ctx, s.keys.offlineUsers(tableID), userID)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		s.logError(opClearOfflineSubscribe, "write_failed", err, zap.String("user_id", userID))
		return apperror.New(opClearOfflineSubscribe, "write_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("version store error", attrs...)
}
