// Package changes defines the versioned change events exchanged between collaborators.
package changes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChangeType enumerates the mutations a ChangeEvent can describe.
type ChangeType string

const (
	ChangeTypeCreate     ChangeType = "create"
	ChangeTypeUpdate     ChangeType = "update"
	ChangeTypeDelete     ChangeType = "delete"
	ChangeTypeRestore    ChangeType = "restore"
	ChangeTypeBulkCreate ChangeType = "bulk_create"
	ChangeTypeBulkUpdate ChangeType = "bulk_update"
	ChangeTypeBulkDelete ChangeType = "bulk_delete"
)

// EntityType enumerates the kinds of entities a ChangeEvent can target.
type EntityType string

const (
	EntityTypeRecord EntityType = "record"
	EntityTypeField  EntityType = "field"
	EntityTypeTable  EntityType = "table"
	EntityTypeView   EntityType = "view"
	EntityTypeBase   EntityType = "base"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidChangeType indicates an unknown change type.
	ErrInvalidChangeType = errors.New("changes: invalid change type")
	// ErrInvalidEntityType indicates an unknown entity type.
	ErrInvalidEntityType = errors.New("changes: invalid entity type")
	// ErrInvalidEntityID indicates an empty or oversized entity identifier.
	ErrInvalidEntityID = errors.New("changes: invalid entity id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("changes: invalid user id")
	// ErrInvalidFieldChange indicates a field change without a field identifier.
	ErrInvalidFieldChange = errors.New("changes: invalid field change")
)

// ParseChangeType validates raw input and returns a ChangeType.
func ParseChangeType(raw string) (ChangeType, error) {
	switch candidate := ChangeType(strings.TrimSpace(raw)); candidate {
	case ChangeTypeCreate, ChangeTypeUpdate, ChangeTypeDelete, ChangeTypeRestore,
		ChangeTypeBulkCreate, ChangeTypeBulkUpdate, ChangeTypeBulkDelete:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeType, raw)
	}
}

// IsBulk reports whether the change type covers several entities at once.
func (t ChangeType) IsBulk() bool {
	switch t {
	case ChangeTypeBulkCreate, ChangeTypeBulkUpdate, ChangeTypeBulkDelete:
		return true
	default:
		return false
	}
}

func (t *ChangeType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChangeType, err)
	}
	parsed, err := ParseChangeType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseEntityType validates raw input and returns an EntityType.
func ParseEntityType(raw string) (EntityType, error) {
	switch candidate := EntityType(strings.TrimSpace(raw)); candidate {
	case EntityTypeRecord, EntityTypeField, EntityTypeTable, EntityTypeView, EntityTypeBase:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, raw)
	}
}

func (t *EntityType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntityType, err)
	}
	parsed, err := ParseEntityType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// FieldChange describes one field transition inside a ChangeEvent.
// A nil OldValue marks an added field, a nil NewValue a removed one. An explicit
// JSON null decodes to nil, so a value cleared to null reads as a removal.
type FieldChange struct {
	FieldID  string `json:"fieldId"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
}

// ChangeEvent is an accepted, versioned mutation. Events are immutable once stamped.
type ChangeEvent struct {
	ID         string         `json:"id"`
	Type       ChangeType     `json:"type"`
	EntityType EntityType     `json:"entityType"`
	EntityID   string         `json:"entityId"`
	TableID    string         `json:"tableId,omitempty"`
	BaseID     string         `json:"baseId,omitempty"`
	UserID     string         `json:"userId"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    int64          `json:"version"`
	Changes    []FieldChange  `json:"changes,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Draft carries the caller-supplied part of a ChangeEvent.
// The version store assigns the id, timestamp and version.
type Draft struct {
	Type       ChangeType
	EntityType EntityType
	EntityID   string
	TableID    string
	BaseID     string
	UserID     string
	Changes    []FieldChange
	Metadata   map[string]any
}

// Validate checks the draft before it is stamped.
func (d Draft) Validate() error {
	if _, err := ParseChangeType(string(d.Type)); err != nil {
		return err
	}
	if _, err := ParseEntityType(string(d.EntityType)); err != nil {
		return err
	}
	if err := validateIdentifier(d.EntityID, ErrInvalidEntityID); err != nil {
		return err
	}
	if err := validateIdentifier(d.UserID, ErrInvalidUserID); err != nil {
		return err
	}
	for index, change := range d.Changes {
		if strings.TrimSpace(change.FieldID) == "" {
			return fmt.Errorf("%w: entry %d has no field id", ErrInvalidFieldChange, index)
		}
	}
	return nil
}

func validateIdentifier(raw string, sentinel error) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}
