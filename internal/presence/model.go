// Package presence tracks who is looking at which table, and where.
package presence

import "time"

// Palette lists the colors handed out to collaborators of a table, in preference order.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
}

// Cursor locates a collaborator's focus inside a table.
type Cursor struct {
	RecordID string   `json:"recordId"`
	FieldID  string   `json:"fieldId"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
}

// Selection is a rectangular range of cells.
type Selection struct {
	StartRecordID string `json:"startRecordId"`
	EndRecordID   string `json:"endRecordId"`
	StartFieldID  string `json:"startFieldId"`
	EndFieldID    string `json:"endFieldId"`
}

// UserPresence is the ephemeral state of one user on one table.
type UserPresence struct {
	UserID    string     `json:"userId"`
	TableID   string     `json:"tableId"`
	UserName  string     `json:"userName"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	ViewID    string     `json:"viewId"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	LastSeen  time.Time  `json:"lastSeen"`
	Color     string     `json:"color"`
}
