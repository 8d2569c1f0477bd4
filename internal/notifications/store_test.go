package notifications

import (
	"context"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestCountUnreadCountsOnlyUnreadForUser(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notifications.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Notification{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	seed := []Notification{
		{NotificationID: "n1", UserID: "user-1", Message: "mentioned you", CreatedAtSeconds: 1},
		{NotificationID: "n2", UserID: "user-1", Message: "shared a base", CreatedAtSeconds: 2},
		{NotificationID: "n3", UserID: "user-1", Message: "old", IsRead: true, CreatedAtSeconds: 3},
		{NotificationID: "n4", UserID: "user-2", Message: "other user", CreatedAtSeconds: 4},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed notifications: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	testCases := []struct {
		userID   string
		expected int64
	}{
		{userID: "user-1", expected: 2},
		{userID: "user-2", expected: 1},
		{userID: "user-3", expected: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.userID, func(t *testing.T) {
			count, err := store.CountUnread(context.Background(), testCase.userID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if count != testCase.expected {
				t.Fatalf("expected %d unread, got %d", testCase.expected, count)
			}
		})
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatalf("expected error without database")
	}
}
