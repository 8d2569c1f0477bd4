// Package coordinator runs the per-connection collaboration protocol: identity,
// table subscriptions, presence, versioned change propagation and recovery.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/realtime"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/records"
	"go.uber.org/zap"
)

const (
	// DefaultRecentEventsLimit is how many events a new subscriber receives.
	DefaultRecentEventsLimit = 50
	// DefaultRecoveryWindow bounds how far back reconnection catch-up looks.
	DefaultRecoveryWindow = 100
	// DefaultStaleAfter is the presence age after which the sweep evicts a user.
	DefaultStaleAfter = 5 * time.Minute
)

var (
	// ErrNotAuthenticated indicates an operation that requires an identity.
	ErrNotAuthenticated = errors.New("coordinator: connection is not authenticated")
	// ErrIdentityMismatch indicates an authenticate call that contradicts the verified token.
	ErrIdentityMismatch = errors.New("coordinator: identity does not match verified session")
	// ErrInvalidPayload indicates missing or malformed operation input.
	ErrInvalidPayload = errors.New("coordinator: invalid payload")
	// ErrUnknownConnection indicates an operation for a connection that is not registered.
	ErrUnknownConnection = errors.New("coordinator: unknown connection")

	errMissingVersionStore = errors.New("coordinator: version store is required")
	errMissingPresence     = errors.New("coordinator: presence directory is required")
	errMissingPublisher    = errors.New("coordinator: publisher is required")
	errMissingRooms        = errors.New("coordinator: room registry is required")
)

const (
	opCoordinatorNew    = "coordinator.new"
	opAuthenticate      = "coordinator.authenticate"
	opSubscribe         = "coordinator.subscribe"
	opUnsubscribe       = "coordinator.unsubscribe"
	opDisconnect        = "coordinator.disconnect"
	opUpdateCursor      = "coordinator.update_cursor"
	opUpdateSelection   = "coordinator.update_selection"
	opSubmitChange      = "coordinator.submit_record_change"
	opSubmitBatch       = "coordinator.submit_batch_changes"
	opSyncOffline       = "coordinator.sync_offline_changes"
	opHeartbeat         = "coordinator.heartbeat"
	opRecover           = "coordinator.recover_connection"
	opResolveConflict   = "coordinator.resolve_conflict"
	opCleanupPresence   = "coordinator.cleanup_stale_presence"
	opBroadcast         = "coordinator.broadcast"
	opSend              = "coordinator.send"
	opQueueOffline      = "coordinator.queue_offline"
	opTouchPresence     = "coordinator.touch_presence"
	opApplyOfflineEvent = "coordinator.apply_offline_event"
)

// VersionStore stamps and retains change events.
type VersionStore interface {
	CreateChangeEvent(ctx context.Context, draft changes.Draft) (changes.ChangeEvent, error)
	GetEntityVersion(ctx context.Context, entityType changes.EntityType, entityID string) (int64, error)
	GetLatestEntityEvent(ctx context.Context, entityType changes.EntityType, entityID string) (*changes.ChangeEvent, error)
	GetRecentTableEvents(ctx context.Context, tableID string, limit int) ([]changes.ChangeEvent, error)
	StoreOfflineChange(ctx context.Context, userID string, event changes.ChangeEvent) error
	GetOfflineChanges(ctx context.Context, userID string) ([]changes.ChangeEvent, error)
	ClearOfflineChanges(ctx context.Context, userID string) error
	MarkOfflineSubscriber(ctx context.Context, userID string, tableIDs []string) error
	OfflineSubscribers(ctx context.Context, tableID string) ([]string, error)
	ClearOfflineSubscriber(ctx context.Context, userID string) error
}

// PresenceDirectory stores ephemeral per-table presence.
type PresenceDirectory interface {
	UpdatePresence(ctx context.Context, entry presence.UserPresence) error
	GetPresence(ctx context.Context, userID, tableID string) (*presence.UserPresence, error)
	GetTableUsers(ctx context.Context, tableID string) ([]presence.UserPresence, error)
	RemovePresence(ctx context.Context, userID, tableID string) (bool, error)
	AssignUserColor(ctx context.Context, userID, tableID string) (string, error)
	TableMembers(ctx context.Context, tableID string) ([]string, error)
	ActiveTables(ctx context.Context) ([]string, error)
}

// RoomRegistry tracks which local connections watch which table.
type RoomRegistry interface {
	Join(tableID string, connection realtime.Connection)
	Leave(tableID, connectionID string)
}

// RecordStore is the persistent record collaborator used by offline replay.
type RecordStore interface {
	FindByID(ctx context.Context, recordID string) (*records.Record, error)
	Update(ctx context.Context, recordID string, fields map[string]any, deleted bool) error
}

// NotificationCounter reports unread notifications.
type NotificationCounter interface {
	CountUnread(ctx context.Context, userID string) (int64, error)
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	VersionStore      VersionStore
	Presence          PresenceDirectory
	Rooms             RoomRegistry
	Publisher         realtime.Publisher
	Records           RecordStore
	Notifications     NotificationCounter
	RecentEventsLimit int
	RecoveryWindow    int
	StaleAfter        time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Coordinator owns the sessions of the local process.
type Coordinator struct {
	versions          VersionStore
	presence          PresenceDirectory
	rooms             RoomRegistry
	publisher         realtime.Publisher
	records           RecordStore
	notifications     NotificationCounter
	recentEventsLimit int
	recoveryWindow    int
	staleAfter        time.Duration
	clock             func() time.Time
	logger            *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.VersionStore == nil {
		return nil, apperror.New(opCoordinatorNew, "missing_version_store", errMissingVersionStore)
	}
	if cfg.Presence == nil {
		return nil, apperror.New(opCoordinatorNew, "missing_presence", errMissingPresence)
	}
	if cfg.Publisher == nil {
		return nil, apperror.New(opCoordinatorNew, "missing_publisher", errMissingPublisher)
	}
	if cfg.Rooms == nil {
		return nil, apperror.New(opCoordinatorNew, "missing_rooms", errMissingRooms)
	}

	recentLimit := cfg.RecentEventsLimit
	if recentLimit <= 0 {
		recentLimit = DefaultRecentEventsLimit
	}
	recoveryWindow := cfg.RecoveryWindow
	if recoveryWindow <= 0 {
		recoveryWindow = DefaultRecoveryWindow
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		versions:          cfg.VersionStore,
		presence:          cfg.Presence,
		rooms:             cfg.Rooms,
		publisher:         cfg.Publisher,
		records:           cfg.Records,
		notifications:     cfg.Notifications,
		recentEventsLimit: recentLimit,
		recoveryWindow:    recoveryWindow,
		staleAfter:        staleAfter,
		clock:             clock,
		logger:            logger,
		sessions:          make(map[string]*session),
	}, nil
}

type identity struct {
	userID    string
	userName  string
	avatarURL string
}

// session is the process-local state of one connection.
type session struct {
	connection realtime.Connection
	verified   string

	mu            sync.Mutex
	identity      *identity
	subscriptions map[string]string
}

func (s *session) currentIdentity() (identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return identity{}, false
	}
	return *s.identity, true
}

func (s *session) subscribe(tableID, viewID string) {
	s.mu.Lock()
	s.subscriptions[tableID] = viewID
	s.mu.Unlock()
}

func (s *session) unsubscribe(tableID string) {
	s.mu.Lock()
	delete(s.subscriptions, tableID)
	s.mu.Unlock()
}

func (s *session) isSubscribed(tableID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[tableID]
	return ok
}

func (s *session) tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tables := make([]string, 0, len(s.subscriptions))
	for tableID := range s.subscriptions {
		tables = append(tables, tableID)
	}
	sort.Strings(tables)
	return tables
}

// Connect registers an anonymous session for the connection. A non-empty
// verifiedUserID pins the identity a later Authenticate must claim.
func (c *Coordinator) Connect(connection realtime.Connection, verifiedUserID string) {
	c.mu.Lock()
	c.sessions[connection.ID()] = &session{
		connection:    connection,
		verified:      strings.TrimSpace(verifiedUserID),
		subscriptions: make(map[string]string),
	}
	c.mu.Unlock()
	c.logger.Debug("connection registered",
		zap.String("connection_id", connection.ID()),
		zap.Bool("verified", verifiedUserID != ""))
}

// Sessions returns the number of registered connections.
func (c *Coordinator) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Coordinator) lookup(connectionID string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	current, ok := c.sessions[connectionID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return current, nil
}

func (c *Coordinator) authenticated(connectionID string) (*session, identity, error) {
	current, err := c.lookup(connectionID)
	if err != nil {
		return nil, identity{}, err
	}
	who, ok := current.currentIdentity()
	if !ok {
		return nil, identity{}, ErrNotAuthenticated
	}
	return current, who, nil
}

// subscribedElsewhere reports whether another local connection of the user watches the table.
func (c *Coordinator) subscribedElsewhere(userID, tableID, exceptConnectionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for connectionID, candidate := range c.sessions {
		if connectionID == exceptConnectionID {
			continue
		}
		who, ok := candidate.currentIdentity()
		if ok && who.userID == userID && candidate.isSubscribed(tableID) {
			return true
		}
	}
	return false
}

func (c *Coordinator) send(current *session, event string, data any) {
	err := current.connection.Send(realtime.Message{Event: event, Data: data})
	if err != nil {
		c.logError(opSend, "send_failed", err,
			zap.String("connection_id", current.connection.ID()),
			zap.String("event", event))
	}
}

// broadcast fans the message out to the table. Failures are logged; the
// triggering operation has already taken effect.
func (c *Coordinator) broadcast(ctx context.Context, tableID, origin, event string, data any) {
	err := c.publisher.Publish(ctx, realtime.Envelope{
		TableID: tableID,
		Origin:  origin,
		Message: realtime.Message{Event: event, Data: data},
	})
	if err != nil {
		c.logError(opBroadcast, "publish_failed", err,
			zap.String("table_id", tableID),
			zap.String("event", event))
	}
}

func (c *Coordinator) now() time.Time {
	return c.clock().UTC()
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("coordinator error", attrs...)
}

func requireIdentifier(raw, name string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", invalidPayload(name + " is required")
	}
	return trimmed, nil
}

func invalidPayload(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, detail)
}
