package coordinator

import (
	"context"
	"strings"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
	"go.uber.org/zap"
)

// AuthenticateInput is the identity a client claims.
type AuthenticateInput struct {
	UserID    string
	UserName  string
	AvatarURL string
}

// Authenticate binds an identity to the connection, then delivers any queued
// offline changes and the unread notification count.
func (c *Coordinator) Authenticate(ctx context.Context, connectionID string, input AuthenticateInput) error {
	current, err := c.lookup(connectionID)
	if err != nil {
		return err
	}
	userID, err := requireIdentifier(input.UserID, "userId")
	if err != nil {
		return err
	}
	if current.verified != "" && current.verified != userID {
		c.logger.Warn("authenticate rejected",
			zap.String("connection_id", connectionID),
			zap.String("claimed_user_id", userID))
		return ErrIdentityMismatch
	}

	current.mu.Lock()
	if current.identity != nil && current.identity.userID != userID && len(current.subscriptions) > 0 {
		current.mu.Unlock()
		return invalidPayload("unsubscribe from all tables before switching identity")
	}
	current.identity = &identity{
		userID:    userID,
		userName:  strings.TrimSpace(input.UserName),
		avatarURL: strings.TrimSpace(input.AvatarURL),
	}
	current.mu.Unlock()

	queued, err := c.versions.GetOfflineChanges(ctx, userID)
	if err != nil {
		return apperror.New(opAuthenticate, "offline_read_failed", err)
	}
	if len(queued) > 0 {
		c.send(current, EventOfflineChanges, EventsPayload{Events: queued})
	}

	if c.notifications != nil {
		unread, err := c.notifications.CountUnread(ctx, userID)
		if err != nil {
			c.logError(opAuthenticate, "notification_count_failed", err, zap.String("user_id", userID))
		} else {
			c.send(current, EventNotificationCount, NotificationCountPayload{UnreadCount: unread})
		}
	}

	if err := c.versions.ClearOfflineSubscriber(ctx, userID); err != nil {
		c.logError(opAuthenticate, "offline_unmark_failed", err, zap.String("user_id", userID))
	}

	c.logger.Info("connection authenticated",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
		zap.Int("offline_changes", len(queued)))
	return nil
}

// Subscribe joins the table, publishes the user's presence and replies with the
// table's current users and recent changes.
func (c *Coordinator) Subscribe(ctx context.Context, connectionID, tableID, viewID string) error {
	current, who, err := c.authenticated(connectionID)
	if err != nil {
		return err
	}
	tableID, err = requireIdentifier(tableID, "tableId")
	if err != nil {
		return err
	}
	viewID = strings.TrimSpace(viewID)

	entry, err := c.establishPresence(ctx, who, tableID, viewID, nil)
	if err != nil {
		return apperror.New(opSubscribe, "presence_failed", err)
	}
	c.rooms.Join(tableID, current.connection)
	current.subscribe(tableID, entry.ViewID)

	c.broadcast(ctx, tableID, connectionID, EventUserJoined, PresencePayload{Presence: entry})

	users, err := c.presence.GetTableUsers(ctx, tableID)
	if err != nil {
		return apperror.New(opSubscribe, "table_users_failed", err)
	}
	c.send(current, EventTableUsers, TableUsersPayload{Presences: users})

	recent, err := c.versions.GetRecentTableEvents(ctx, tableID, c.recentEventsLimit)
	if err != nil {
		return apperror.New(opSubscribe, "recent_changes_failed", err)
	}
	c.send(current, EventRecentChanges, EventsPayload{Events: chronological(recent)})

	c.logger.Debug("table subscribed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", who.userID),
		zap.String("table_id", tableID))
	return nil
}

// establishPresence writes a fresh presence entry. The color and view of a
// previous entry are kept when present.
func (c *Coordinator) establishPresence(ctx context.Context, who identity, tableID, viewID string, previous *presence.UserPresence) (presence.UserPresence, error) {
	if previous == nil {
		existing, err := c.presence.GetPresence(ctx, who.userID, tableID)
		if err != nil {
			return presence.UserPresence{}, err
		}
		previous = existing
	}

	color := ""
	if previous != nil {
		color = previous.Color
		if viewID == "" {
			viewID = previous.ViewID
		}
	}
	if color == "" {
		assigned, err := c.presence.AssignUserColor(ctx, who.userID, tableID)
		if err != nil {
			return presence.UserPresence{}, err
		}
		color = assigned
	}

	entry := presence.UserPresence{
		UserID:    who.userID,
		TableID:   tableID,
		UserName:  who.userName,
		AvatarURL: who.avatarURL,
		ViewID:    viewID,
		LastSeen:  c.now(),
		Color:     color,
	}
	if err := c.presence.UpdatePresence(ctx, entry); err != nil {
		return presence.UserPresence{}, err
	}
	return entry, nil
}

// Unsubscribe leaves the table and tells the remaining subscribers.
func (c *Coordinator) Unsubscribe(ctx context.Context, connectionID, tableID string) error {
	current, who, err := c.authenticated(connectionID)
	if err != nil {
		return err
	}
	tableID, err = requireIdentifier(tableID, "tableId")
	if err != nil {
		return err
	}
	if err := c.leaveTable(ctx, current, who, tableID); err != nil {
		return apperror.New(opUnsubscribe, "presence_remove_failed", err)
	}
	return nil
}

func (c *Coordinator) leaveTable(ctx context.Context, current *session, who identity, tableID string) error {
	connectionID := current.connection.ID()
	c.rooms.Leave(tableID, connectionID)
	current.unsubscribe(tableID)

	if _, err := c.presence.RemovePresence(ctx, who.userID, tableID); err != nil {
		return err
	}
	c.broadcast(ctx, tableID, connectionID, EventUserLeft, UserLeftPayload{UserID: who.userID, TableID: tableID})
	return nil
}

// Disconnect releases the session, removing presence from every subscribed
// table and remembering those tables for offline delivery.
func (c *Coordinator) Disconnect(ctx context.Context, connectionID string) {
	c.mu.Lock()
	current, ok := c.sessions[connectionID]
	delete(c.sessions, connectionID)
	c.mu.Unlock()
	if !ok {
		return
	}

	who, authenticated := current.currentIdentity()
	if !authenticated {
		return
	}

	offlineTables := make([]string, 0)
	for _, tableID := range current.tables() {
		if err := c.leaveTable(ctx, current, who, tableID); err != nil {
			c.logError(opDisconnect, "presence_remove_failed", err,
				zap.String("user_id", who.userID),
				zap.String("table_id", tableID))
		}
		if !c.subscribedElsewhere(who.userID, tableID, connectionID) {
			offlineTables = append(offlineTables, tableID)
		}
	}
	if err := c.versions.MarkOfflineSubscriber(ctx, who.userID, offlineTables); err != nil {
		c.logError(opDisconnect, "offline_mark_failed", err, zap.String("user_id", who.userID))
	}

	c.logger.Info("connection released",
		zap.String("connection_id", connectionID),
		zap.String("user_id", who.userID),
		zap.Strings("tables", offlineTables))
}

// UpdateCursor records the cursor on the user's presence and relays it to the table.
func (c *Coordinator) UpdateCursor(ctx context.Context, connectionID, tableID string, cursor presence.Cursor) error {
	_, who, err := c.authenticated(connectionID)
	if err != nil {
		return err
	}
	tableID, err = requireIdentifier(tableID, "tableId")
	if err != nil {
		return err
	}

	err = c.refreshPresence(ctx, who.userID, tableID, func(entry *presence.UserPresence) {
		entry.Cursor = &cursor
	})
	if err != nil {
		return apperror.New(opUpdateCursor, "presence_failed", err)
	}
	c.broadcast(ctx, tableID, connectionID, EventCursorPosition, CursorPayload{UserID: who.userID, Cursor: cursor})
	return nil
}

// UpdateSelection records the selection on the user's presence and relays it to the table.
func (c *Coordinator) UpdateSelection(ctx context.Context, connectionID, tableID string, selection presence.Selection) error {
	_, who, err := c.authenticated(connectionID)
	if err != nil {
		return err
	}
	tableID, err = requireIdentifier(tableID, "tableId")
	if err != nil {
		return err
	}

	err = c.refreshPresence(ctx, who.userID, tableID, func(entry *presence.UserPresence) {
		entry.Selection = &selection
	})
	if err != nil {
		return apperror.New(opUpdateSelection, "presence_failed", err)
	}
	c.broadcast(ctx, tableID, connectionID, EventSelection, SelectionPayload{UserID: who.userID, Selection: selection})
	return nil
}

// Heartbeat refreshes lastSeen on the user's presence for the table, if any,
// and acknowledges. It is the one operation accepted before authenticate.
func (c *Coordinator) Heartbeat(ctx context.Context, connectionID, tableID string) error {
	current, err := c.lookup(connectionID)
	if err != nil {
		return err
	}
	tableID = strings.TrimSpace(tableID)
	if who, ok := current.currentIdentity(); ok && tableID != "" {
		if err := c.refreshPresence(ctx, who.userID, tableID, nil); err != nil {
			return apperror.New(opHeartbeat, "presence_failed", err)
		}
	}
	c.send(current, EventHeartbeatAck, HeartbeatAckPayload{Timestamp: c.now()})
	return nil
}

// refreshPresence bumps lastSeen and applies mutate to an existing entry.
// A missing entry is left missing.
func (c *Coordinator) refreshPresence(ctx context.Context, userID, tableID string, mutate func(*presence.UserPresence)) error {
	entry, err := c.presence.GetPresence(ctx, userID, tableID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if mutate != nil {
		mutate(entry)
	}
	entry.LastSeen = c.now()
	return c.presence.UpdatePresence(ctx, *entry)
}

// touchPresence is refreshPresence for callers that only log failures.
func (c *Coordinator) touchPresence(ctx context.Context, userID, tableID string) {
	if err := c.refreshPresence(ctx, userID, tableID, nil); err != nil {
		c.logError(opTouchPresence, "presence_failed", err,
			zap.String("user_id", userID),
			zap.String("table_id", tableID))
	}
}
