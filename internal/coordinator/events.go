package coordinator

import (
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
)

// Outbound event names.
const (
	EventOfflineChanges      = "offline_changes"
	EventNotificationCount   = "notification_count"
	EventUserJoined          = "user_joined"
	EventTableUsers          = "table_users"
	EventRecentChanges       = "recent_changes"
	EventUserLeft            = "user_left"
	EventCursorPosition      = "cursor_position"
	EventSelection           = "selection"
	EventRecordChange        = "record_change"
	EventBatchChanges        = "batch_changes"
	EventOfflineSyncComplete = "offline_sync_complete"
	EventHeartbeatAck        = "heartbeat_ack"
	EventMissedEvents        = "missed_events"
	EventUserReconnected     = "user_reconnected"
	EventConnectionRecovered = "connection_recovered"
	EventChangeRejected      = "change_rejected"
	EventError               = "error"
)

type EventsPayload struct {
	Events []changes.ChangeEvent `json:"events"`
}

type NotificationCountPayload struct {
	UnreadCount int64 `json:"unreadCount"`
}

type PresencePayload struct {
	Presence presence.UserPresence `json:"presence"`
}

type TableUsersPayload struct {
	Presences []presence.UserPresence `json:"presences"`
}

type UserLeftPayload struct {
	UserID  string `json:"userId"`
	TableID string `json:"tableId"`
}

type CursorPayload struct {
	UserID string          `json:"userId"`
	Cursor presence.Cursor `json:"cursor"`
}

type SelectionPayload struct {
	UserID    string             `json:"userId"`
	Selection presence.Selection `json:"selection"`
}

type RecordChangePayload struct {
	Event changes.ChangeEvent `json:"event"`
}

type OfflineSyncCompletePayload struct {
	Synced int `json:"synced"`
}

type HeartbeatAckPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionRecoveredPayload struct {
	Timestamp         time.Time `json:"timestamp"`
	MissedEventsCount int       `json:"missedEventsCount"`
}

// ChangeRejectedPayload tells the author which field changes were not applied
// and the version the server is at.
type ChangeRejectedPayload struct {
	RecordID      string                `json:"recordId"`
	ServerVersion int64                 `json:"serverVersion"`
	Changes       []changes.FieldChange `json:"changes"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
