package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/database"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/notifications"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/realtime"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/records"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/versionstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

// Now advances by a millisecond per call so stamped events never share a timestamp.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

func (c *testClock) Advance(duration time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(duration)
	c.mu.Unlock()
}

type fakeConnection struct {
	id       string
	mu       sync.Mutex
	messages []realtime.Message
}

func (f *fakeConnection) ID() string {
	return f.id
}

func (f *fakeConnection) Send(message realtime.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeConnection) received(event string) []realtime.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	matching := make([]realtime.Message, 0)
	for _, message := range f.messages {
		if message.Event == event {
			matching = append(matching, message)
		}
	}
	return matching
}

func (f *fakeConnection) reset() {
	f.mu.Lock()
	f.messages = nil
	f.mu.Unlock()
}

type harness struct {
	coordinator *Coordinator
	versions    *versionstore.Store
	directory   *presence.Directory
	hub         *realtime.Hub
	redis       *miniredis.Miniredis
	db          *gorm.DB
	clock       *testClock
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{current: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	logger := zap.NewNop()

	versions, err := versionstore.New(versionstore.Config{Client: client, Clock: clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build version store: %v", err)
	}
	directory, err := presence.NewDirectory(presence.Config{Client: client, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build presence directory: %v", err)
	}
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "coordinator.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	recordStore, err := records.NewStore(records.StoreConfig{Database: db, Clock: clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build record store: %v", err)
	}
	notificationStore, err := notifications.NewStore(notifications.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build notification store: %v", err)
	}
	hub := realtime.NewHub(logger)

	cfg := Config{
		VersionStore:  versions,
		Presence:      directory,
		Rooms:         hub,
		Publisher:     hub,
		Records:       recordStore,
		Notifications: notificationStore,
		Clock:         clock.Now,
		Logger:        logger,
	}
	for _, apply := range mutate {
		apply(&cfg)
	}
	coordinator, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	return &harness{
		coordinator: coordinator,
		versions:    versions,
		directory:   directory,
		hub:         hub,
		redis:       server,
		db:          db,
		clock:       clock,
	}
}

// join connects and authenticates a user.
func (h *harness) join(t *testing.T, connectionID, userID string) *fakeConnection {
	t.Helper()
	connection := &fakeConnection{id: connectionID}
	h.coordinator.Connect(connection, "")
	err := h.coordinator.Authenticate(context.Background(), connectionID, AuthenticateInput{
		UserID:   userID,
		UserName: "Name of " + userID,
	})
	if err != nil {
		t.Fatalf("authenticate %s failed: %v", userID, err)
	}
	return connection
}

func (h *harness) subscribe(t *testing.T, connection *fakeConnection, tableID string) {
	t.Helper()
	if err := h.coordinator.Subscribe(context.Background(), connection.ID(), tableID, "view-1"); err != nil {
		t.Fatalf("subscribe %s to %s failed: %v", connection.ID(), tableID, err)
	}
}

func (h *harness) seedRecord(t *testing.T, recordID, tableID, fieldsJSON string) {
	t.Helper()
	record := records.Record{RecordID: recordID, TableID: tableID, FieldsJSON: fieldsJSON, UpdatedAtSeconds: 1}
	if err := h.db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
}

func mustPayload[T any](t *testing.T, message realtime.Message) T {
	t.Helper()
	payload, ok := message.Data.(T)
	if !ok {
		t.Fatalf("unexpected payload type %T for %s", message.Data, message.Event)
	}
	return payload
}

func int64Pointer(value int64) *int64 {
	return &value
}
