// Package notifications answers unread-count queries for connected users.
package notifications

import (
	"context"
	"errors"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notification is a message addressed to one user.
type Notification struct {
	NotificationID   string `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_read,priority:1"`
	Message          string `gorm:"column:message;type:text;not null"`
	IsRead           bool   `gorm:"column:is_read;not null;default:false;index:idx_notifications_user_read,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (Notification) TableName() string {
	return "notifications"
}

var errMissingDatabase = errors.New("notifications: database handle is required")

const (
	opStoreNew    = "notifications.store.new"
	opCountUnread = "notifications.count_unread"
)

type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperror.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// CountUnread returns how many notifications of the user are unread.
func (s *Store) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		s.logger.Error("notification store error",
			zap.String("operation", opCountUnread),
			zap.String("reason", "count_failed"),
			zap.String("user_id", userID),
			zap.Error(err))
		return 0, apperror.New(opCountUnread, "count_failed", err)
	}
	return count, nil
}
