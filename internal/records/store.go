package records

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRecordNotFound indicates the record does not exist.
	ErrRecordNotFound  = errors.New("records: record not found")
	errMissingDatabase = errors.New("records: database handle is required")
)

const (
	opStoreNew = "records.store.new"
	opFindByID = "records.find_by_id"
	opUpdate   = "records.update"
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and rewrites records.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperror.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// FindByID loads a record, tombstoned or not.
func (s *Store) FindByID(ctx context.Context, recordID string) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.New(opFindByID, "not_found", ErrRecordNotFound)
	}
	if err != nil {
		s.logError(opFindByID, "select_failed", err, zap.String("record_id", recordID))
		return nil, apperror.New(opFindByID, "select_failed", err)
	}
	return &record, nil
}

// Update replaces the record's field map and tombstone flag.
func (s *Store) Update(ctx context.Context, recordID string, fields map[string]any, deleted bool) error {
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return apperror.New(opUpdate, "encode_failed", err)
	}

	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("record_id = ?", recordID).
		Updates(map[string]any{
			"fields_json":  string(payload),
			"is_deleted":   deleted,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opUpdate, "update_failed", result.Error, zap.String("record_id", recordID))
		return apperror.New(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.New(opUpdate, "not_found", ErrRecordNotFound)
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
	s.logger.Error("record store error", attrs...)
}
