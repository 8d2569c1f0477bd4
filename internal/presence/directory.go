package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultKeyPrefix namespaces every key written by the directory.
	DefaultKeyPrefix = "collab"
	// DefaultTTL is how long a presence entry lives without a refresh.
	DefaultTTL = 60 * time.Second

	scanBatchSize = 100
)

var (
	// ErrInvalidPresence indicates a presence entry without user or table.
	ErrInvalidPresence = errors.New("presence: user id and table id are required")
	errMissingClient   = errors.New("presence: redis client is required")
)

const (
	opDirectoryNew   = "presence.new"
	opUpdatePresence = "presence.update"
	opGetPresence    = "presence.get"
	opGetTableUsers  = "presence.get_table_users"
	opRemovePresence = "presence.remove"
	opAssignColor    = "presence.assign_color"
	opTableMembers   = "presence.table_members"
	opActiveTables   = "presence.active_tables"
)

// Config describes the dependencies of a Directory.
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
	TTL       time.Duration
	// Random returns a value in [0, n). Defaults to math/rand/v2.
	Random func(n int) int
	Logger *zap.Logger
}

// Directory stores presence entries and the per-table active-user sets.
type Directory struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	random func(n int) int
	logger *zap.Logger
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg Config) (*Directory, error) {
	if cfg.Client == nil {
		return nil, apperror.New(opDirectoryNew, "missing_client", errMissingClient)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	random := cfg.Random
	if random == nil {
		random = rand.IntN
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		client: cfg.Client,
		prefix: prefix,
		ttl:    ttl,
		random: random,
		logger: logger,
	}, nil
}

func (d *Directory) presenceKey(tableID, userID string) string {
	return d.prefix + ":presence:" + tableID + ":" + userID
}

func (d *Directory) usersKey(tableID string) string {
	return d.prefix + ":table:" + tableID + ":users"
}

// UpdatePresence overwrites the entry and refreshes both its TTL and the table set's TTL.
func (d *Directory) UpdatePresence(ctx context.Context, presence UserPresence) error {
	if strings.TrimSpace(presence.UserID) == "" || strings.TrimSpace(presence.TableID) == "" {
		return apperror.New(opUpdatePresence, "invalid_presence", ErrInvalidPresence)
	}
	payload, err := json.Marshal(presence)
	if err != nil {
		return apperror.New(opUpdatePresence, "encode_failed", err)
	}

	usersKey := d.usersKey(presence.TableID)
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, d.presenceKey(presence.TableID, presence.UserID), payload, d.ttl)
		pipe.SAdd(ctx, usersKey, presence.UserID)
		pipe.Expire(ctx, usersKey, d.ttl)
		return nil
	})
	if err != nil {
		d.logError(opUpdatePresence, "write_failed", err,
			zap.String("user_id", presence.UserID),
			zap.String("table_id", presence.TableID))
		return apperror.New(opUpdatePresence, "write_failed", err)
	}
	return nil
}

// GetPresence returns the user's entry for the table, or nil when absent.
func (d *Directory) GetPresence(ctx context.Context, userID, tableID string) (*UserPresence, error) {
	raw, err := d.client.Get(ctx, d.presenceKey(tableID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		d.logError(opGetPresence, "read_failed", err,
			zap.String("user_id", userID),
			zap.String("table_id", tableID))
		return nil, apperror.New(opGetPresence, "read_failed", err)
	}
	var presence UserPresence
	if err := json.Unmarshal([]byte(raw), &presence); err != nil {
		return nil, apperror.New(opGetPresence, "decode_failed", err)
	}
	return &presence, nil
}

// GetTableUsers resolves every member of the table's active set. Members whose
// entry expired are skipped but left in the set for the sweep.
func (d *Directory) GetTableUsers(ctx context.Context, tableID string) ([]UserPresence, error) {
	members, err := d.TableMembers(ctx, tableID)
	if err != nil {
		return nil, err
	}
	presences := make([]UserPresence, 0, len(members))
	if len(members) == 0 {
		return presences, nil
	}

	keys := make([]string, len(members))
	for index, userID := range members {
		keys[index] = d.presenceKey(tableID, userID)
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		d.logError(opGetTableUsers, "read_failed", err, zap.String("table_id", tableID))
		return nil, apperror.New(opGetTableUsers, "read_failed", err)
	}
	for index, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var presence UserPresence
		if err := json.Unmarshal([]byte(raw), &presence); err != nil {
			d.logger.Warn("skipping undecodable presence",
				zap.String("table_id", tableID),
				zap.String("user_id", members[index]),
				zap.Error(err))
			continue
		}
		presences = append(presences, presence)
	}
	return presences, nil
}

// RemovePresence deletes the entry and the set membership. removed reports
// whether this call took the user out of the table's active set.
func (d *Directory) RemovePresence(ctx context.Context, userID, tableID string) (bool, error) {
	var removedCmd *redis.IntCmd
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, d.presenceKey(tableID, userID))
		removedCmd = pipe.SRem(ctx, d.usersKey(tableID), userID)
		return nil
	})
	if err != nil {
		d.logError(opRemovePresence, "write_failed", err,
			zap.String("user_id", userID),
			zap.String("table_id", tableID))
		return false, apperror.New(opRemovePresence, "write_failed", err)
	}
	return removedCmd.Val() > 0, nil
}

// AssignUserColor picks the first palette color no other active user of the
// table holds, or a random palette color once every color is taken.
func (d *Directory) AssignUserColor(ctx context.Context, userID, tableID string) (string, error) {
	presences, err := d.GetTableUsers(ctx, tableID)
	if err != nil {
		return "", apperror.New(opAssignColor, "read_failed", err)
	}
	used := make(map[string]bool, len(presences))
	for _, presence := range presences {
		if presence.UserID == userID {
			continue
		}
		used[presence.Color] = true
	}
	for _, color := range Palette {
		if !used[color] {
			return color, nil
		}
	}
	return Palette[d.random(len(Palette))], nil
}

// TableMembers returns the raw members of the table's active set.
func (d *Directory) TableMembers(ctx context.Context, tableID string) ([]string, error) {
	members, err := d.client.SMembers(ctx, d.usersKey(tableID)).Result()
	if err != nil {
		d.logError(opTableMembers, "read_failed", err, zap.String("table_id", tableID))
		return nil, apperror.New(opTableMembers, "read_failed", err)
	}
	return members, nil
}

// ActiveTables lists tables that currently have an active-user set.
func (d *Directory) ActiveTables(ctx context.Context) ([]string, error) {
	head := d.prefix + ":table:"
	tail := ":users"
	pattern := fmt.Sprintf("%s*%s", head, tail)

	tables := make([]string, 0)
	seen := make(map[string]bool)
	iterator := d.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iterator.Next(ctx) {
		key := iterator.Val()
		if !strings.HasPrefix(key, head) || !strings.HasSuffix(key, tail) {
			continue
		}
		tableID := strings.TrimSuffix(strings.TrimPrefix(key, head), tail)
		if tableID == "" || seen[tableID] {
			continue
		}
		seen[tableID] = true
		tables = append(tables, tableID)
	}
	if err := iterator.Err(); err != nil {
		d.logError(opActiveTables, "scan_failed", err)
		return nil, apperror.New(opActiveTables, "scan_failed", err)
	}
	return tables, nil
}

func (d *Directory) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("presence directory error", attrs...)
}
