package coordinator

import (
	"context"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"go.uber.org/zap"
)

// CleanupStalePresence evicts table members whose presence expired or has not
// been refreshed within the stale window, announcing each eviction once.
// It returns the number of evicted memberships.
func (c *Coordinator) CleanupStalePresence(ctx context.Context) (int, error) {
	tables, err := c.presence.ActiveTables(ctx)
	if err != nil {
		return 0, apperror.New(opCleanupPresence, "tables_read_failed", err)
	}

	now := c.now()
	evicted := 0
	for _, tableID := range tables {
		members, err := c.presence.TableMembers(ctx, tableID)
		if err != nil {
			c.logError(opCleanupPresence, "members_read_failed", err, zap.String("table_id", tableID))
			continue
		}
		for _, userID := range members {
			entry, err := c.presence.GetPresence(ctx, userID, tableID)
			if err != nil {
				c.logError(opCleanupPresence, "presence_read_failed", err,
					zap.String("table_id", tableID),
					zap.String("user_id", userID))
				continue
			}
			if entry != nil && now.Sub(entry.LastSeen) <= c.staleAfter {
				continue
			}
			removed, err := c.presence.RemovePresence(ctx, userID, tableID)
			if err != nil {
				c.logError(opCleanupPresence, "presence_remove_failed", err,
					zap.String("table_id", tableID),
					zap.String("user_id", userID))
				continue
			}
			if !removed {
				continue
			}
			evicted++
			c.broadcast(ctx, tableID, "", EventUserLeft, UserLeftPayload{UserID: userID, TableID: tableID})
		}
	}

	if evicted > 0 {
		c.logger.Info("stale presence evicted", zap.Int("count", evicted))
	}
	return evicted, nil
}

// RunSweeper calls CleanupStalePresence every interval until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.CleanupStalePresence(ctx); err != nil && ctx.Err() == nil {
				c.logError(opCleanupPresence, "sweep_failed", err)
			}
		}
	}
}
