package coordinator

import (
	"context"
	"strings"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"go.uber.org/zap"
)

// RecoverInput describes what a reconnecting client last saw of a table.
type RecoverInput struct {
	TableID     string
	ViewID      string
	LastEventID string
	LastVersion *int64
}

// RecoverConnection replays the events the client missed, restores its
// subscription and presence, and returns the number of replayed events.
func (c *Coordinator) RecoverConnection(ctx context.Context, connectionID string, input RecoverInput) (int, error) {
	current, who, err := c.authenticated(connectionID)
	if err != nil {
		return 0, err
	}
	tableID, err := requireIdentifier(input.TableID, "tableId")
	if err != nil {
		return 0, err
	}

	window, err := c.versions.GetRecentTableEvents(ctx, tableID, c.recoveryWindow)
	if err != nil {
		return 0, apperror.New(opRecover, "recent_changes_failed", err)
	}
	missed := missedEvents(window, strings.TrimSpace(input.LastEventID), input.LastVersion)
	if len(missed) > 0 {
		c.send(current, EventMissedEvents, EventsPayload{Events: missed})
	}

	entry, err := c.establishPresence(ctx, who, tableID, strings.TrimSpace(input.ViewID), nil)
	if err != nil {
		return 0, apperror.New(opRecover, "presence_failed", err)
	}
	c.rooms.Join(tableID, current.connection)
	current.subscribe(tableID, entry.ViewID)

	c.broadcast(ctx, tableID, connectionID, EventUserReconnected, PresencePayload{Presence: entry})
	c.send(current, EventConnectionRecovered, ConnectionRecoveredPayload{
		Timestamp:         c.now(),
		MissedEventsCount: len(missed),
	})

	c.logger.Info("connection recovered",
		zap.String("connection_id", connectionID),
		zap.String("user_id", who.userID),
		zap.String("table_id", tableID),
		zap.Int("missed_events", len(missed)),
		zap.Int("window", len(window)))
	return len(missed), nil
}

// missedEvents selects, from a newest-first window, the events after the
// client's last known position and returns them oldest first. When lastEventID
// is not in the window the whole window is returned.
func missedEvents(newestFirst []changes.ChangeEvent, lastEventID string, lastVersion *int64) []changes.ChangeEvent {
	collected := make([]changes.ChangeEvent, 0, len(newestFirst))
	for _, event := range newestFirst {
		switch {
		case lastEventID != "":
			if event.ID == lastEventID {
				return chronological(collected)
			}
			collected = append(collected, event)
		case lastVersion != nil:
			if event.Version > *lastVersion {
				collected = append(collected, event)
			}
		default:
			collected = append(collected, event)
		}
	}
	return chronological(collected)
}

// chronological returns a reversed copy of a newest-first slice.
func chronological(newestFirst []changes.ChangeEvent) []changes.ChangeEvent {
	ordered := make([]changes.ChangeEvent, len(newestFirst))
	for index, event := range newestFirst {
		ordered[len(newestFirst)-1-index] = event
	}
	return ordered
}
