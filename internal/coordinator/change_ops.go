package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/records"
	"go.uber.org/zap"
)

// RecordChangeInput is a client's proposed change to one record.
type RecordChangeInput struct {
	Type     changes.ChangeType
	RecordID string
	TableID  string
	BaseID   string
	Changes  []changes.FieldChange
	Metadata map[string]any
	// ClientVersion, when set, is the record version the client edited on top of.
	ClientVersion *int64
	// OldFields and NewFields are diffed when Changes is empty.
	OldFields map[string]any
	NewFields map[string]any
}

func (input RecordChangeInput) fieldChanges() []changes.FieldChange {
	if len(input.Changes) > 0 || (input.OldFields == nil && input.NewFields == nil) {
		return input.Changes
	}
	return changes.CalculateDelta(input.OldFields, input.NewFields)
}

func (input RecordChangeInput) draft(userID string, fieldChanges []changes.FieldChange) changes.Draft {
	return changes.Draft{
		Type:       input.Type,
		EntityType: changes.EntityTypeRecord,
		EntityID:   input.RecordID,
		TableID:    input.TableID,
		BaseID:     input.BaseID,
		UserID:     userID,
		Changes:    fieldChanges,
		Metadata:   input.Metadata,
	}
}

// SubmitRecordChange stamps the change, broadcasts it to the table's other
// subscribers and queues it for offline ones. It returns nil without error when
// the change was rejected as a conflict; the author then receives change_rejected.
func (c *Coordinator) SubmitRecordChange(ctx context.Context, connectionID string, input RecordChangeInput) (*changes.ChangeEvent, error) {
	current, who, err := c.authenticated(connectionID)
	if err != nil {
		return nil, err
	}
	if err := validateRecordInput(&input); err != nil {
		return nil, err
	}

	fieldChanges := input.fieldChanges()
	if input.ClientVersion != nil {
		resolution, err := c.ResolveConflict(ctx, input.RecordID, fieldChanges, *input.ClientVersion)
		if err != nil {
			return nil, err
		}
		if !resolution.Resolved || (len(fieldChanges) > 0 && len(resolution.Accepted) == 0) {
			c.send(current, EventChangeRejected, ChangeRejectedPayload{
				RecordID:      input.RecordID,
				ServerVersion: resolution.ServerVersion,
				Changes:       resolution.Dropped,
			})
			c.logger.Info("record change rejected",
				zap.String("user_id", who.userID),
				zap.String("record_id", input.RecordID),
				zap.Int64("client_version", *input.ClientVersion),
				zap.Int64("server_version", resolution.ServerVersion))
			return nil, nil
		}
		fieldChanges = resolution.Accepted
	}

	event, err := c.versions.CreateChangeEvent(ctx, input.draft(who.userID, fieldChanges))
	if err != nil {
		return nil, apperror.New(opSubmitChange, "stamp_failed", err)
	}

	c.touchPresence(ctx, who.userID, event.TableID)
	c.broadcast(ctx, event.TableID, connectionID, EventRecordChange, RecordChangePayload{Event: event})
	c.queueForOfflineSubscribers(ctx, event)
	return &event, nil
}

// SubmitBatchChanges stamps every change in order and broadcasts them as one
// batch_changes message. On failure the already stamped prefix is still broadcast.
func (c *Coordinator) SubmitBatchChanges(ctx context.Context, connectionID, tableID, baseID string, inputs []RecordChangeInput) ([]changes.ChangeEvent, error) {
	_, who, err := c.authenticated(connectionID)
	if err != nil {
		return nil, err
	}
	tableID, err = requireIdentifier(tableID, "tableId")
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, invalidPayload("changes must not be empty")
	}
	inputs = append([]RecordChangeInput(nil), inputs...)
	for index := range inputs {
		inputs[index].TableID = tableID
		if inputs[index].BaseID == "" {
			inputs[index].BaseID = baseID
		}
		if err := validateRecordInput(&inputs[index]); err != nil {
			return nil, fmt.Errorf("entry %d: %w", index, err)
		}
	}

	stamped := make([]changes.ChangeEvent, 0, len(inputs))
	var stampErr error
	for _, input := range inputs {
		event, err := c.versions.CreateChangeEvent(ctx, input.draft(who.userID, input.fieldChanges()))
		if err != nil {
			stampErr = apperror.New(opSubmitBatch, "stamp_failed", err)
			break
		}
		stamped = append(stamped, event)
	}

	if len(stamped) > 0 {
		c.touchPresence(ctx, who.userID, tableID)
		c.broadcast(ctx, tableID, connectionID, EventBatchChanges, EventsPayload{Events: stamped})
		for _, event := range stamped {
			c.queueForOfflineSubscribers(ctx, event)
		}
	}
	return stamped, stampErr
}

func validateRecordInput(input *RecordChangeInput) error {
	if _, err := changes.ParseChangeType(string(input.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	recordID, err := requireIdentifier(input.RecordID, "recordId")
	if err != nil {
		return err
	}
	tableID, err := requireIdentifier(input.TableID, "tableId")
	if err != nil {
		return err
	}
	input.RecordID = recordID
	input.TableID = tableID
	return nil
}

// queueForOfflineSubscribers appends the event to the queue of every user that
// was watching the table when they disconnected and has not come back.
func (c *Coordinator) queueForOfflineSubscribers(ctx context.Context, event changes.ChangeEvent) {
	if event.TableID == "" {
		return
	}
	subscribers, err := c.versions.OfflineSubscribers(ctx, event.TableID)
	if err != nil {
		c.logError(opQueueOffline, "subscribers_read_failed", err, zap.String("table_id", event.TableID))
		return
	}
	for _, userID := range subscribers {
		if userID == event.UserID {
			continue
		}
		live, err := c.presence.GetPresence(ctx, userID, event.TableID)
		if err != nil {
			c.logError(opQueueOffline, "presence_read_failed", err, zap.String("user_id", userID))
			continue
		}
		if live != nil {
			continue
		}
		if err := c.versions.StoreOfflineChange(ctx, userID, event); err != nil {
			c.logError(opQueueOffline, "append_failed", err,
				zap.String("user_id", userID),
				zap.String("event_id", event.ID))
		}
	}
}

// SyncOfflineChanges replays the client's acknowledged offline events, relays
// them to the table, clears the user's offline queue and reports how many were kept.
func (c *Coordinator) SyncOfflineChanges(ctx context.Context, connectionID string, events []changes.ChangeEvent) (int, error) {
	current, who, err := c.authenticated(connectionID)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, event := range events {
		if event.UserID != who.userID {
			c.logger.Warn("dropping offline change from another user",
				zap.String("user_id", who.userID),
				zap.String("event_user_id", event.UserID),
				zap.String("event_id", event.ID))
			continue
		}
		if err := c.applyOfflineEvent(ctx, event); err != nil {
			c.logError(opApplyOfflineEvent, "apply_failed", err,
				zap.String("event_id", event.ID),
				zap.String("entity_id", event.EntityID))
		}
		if event.TableID != "" {
			c.broadcast(ctx, event.TableID, connectionID, EventRecordChange, RecordChangePayload{Event: event})
		}
		synced++
	}

	if err := c.versions.ClearOfflineChanges(ctx, who.userID); err != nil {
		return synced, apperror.New(opSyncOffline, "clear_failed", err)
	}
	c.send(current, EventOfflineSyncComplete, OfflineSyncCompletePayload{Synced: synced})
	return synced, nil
}

// applyOfflineEvent writes a replayed event through to the record store.
// Only single-record updates, deletes and restores touch storage here.
func (c *Coordinator) applyOfflineEvent(ctx context.Context, event changes.ChangeEvent) error {
	if c.records == nil {
		return nil
	}

	switch event.EntityType {
	case changes.EntityTypeRecord:
	case changes.EntityTypeField, changes.EntityTypeTable, changes.EntityTypeView, changes.EntityTypeBase:
		return nil
	default:
		return fmt.Errorf("%w: %q", changes.ErrInvalidEntityType, event.EntityType)
	}

	switch event.Type {
	case changes.ChangeTypeCreate:
		return nil
	case changes.ChangeTypeUpdate:
		return c.mutateRecord(ctx, event.EntityID, func(fields map[string]any, deleted bool) (map[string]any, bool) {
			for _, change := range event.Changes {
				// null and absent values both clear the field.
				if change.NewValue == nil {
					delete(fields, change.FieldID)
					continue
				}
				fields[change.FieldID] = change.NewValue
			}
			return fields, deleted
		})
	case changes.ChangeTypeDelete:
		return c.mutateRecord(ctx, event.EntityID, func(fields map[string]any, _ bool) (map[string]any, bool) {
			return fields, true
		})
	case changes.ChangeTypeRestore:
		return c.mutateRecord(ctx, event.EntityID, func(fields map[string]any, _ bool) (map[string]any, bool) {
			return fields, false
		})
	case changes.ChangeTypeBulkCreate, changes.ChangeTypeBulkUpdate, changes.ChangeTypeBulkDelete:
		return nil
	default:
		return fmt.Errorf("%w: %q", changes.ErrInvalidChangeType, event.Type)
	}
}

func (c *Coordinator) mutateRecord(ctx context.Context, recordID string, mutate func(map[string]any, bool) (map[string]any, bool)) error {
	record, err := c.records.FindByID(ctx, recordID)
	if errors.Is(err, records.ErrRecordNotFound) {
		c.logger.Warn("offline change targets unknown record", zap.String("record_id", recordID))
		return nil
	}
	if err != nil {
		return err
	}
	fields, err := record.Fields()
	if err != nil {
		return err
	}
	fields, deleted := mutate(fields, record.IsDeleted)
	return c.records.Update(ctx, recordID, fields, deleted)
}

// ResolveConflict checks a client's field changes, made on top of clientVersion,
// against the record's current version and latest stored event. It is advisory
// and mutates nothing.
func (c *Coordinator) ResolveConflict(ctx context.Context, recordID string, submitted []changes.FieldChange, clientVersion int64) (changes.ConflictResolution, error) {
	current, err := c.versions.GetEntityVersion(ctx, changes.EntityTypeRecord, recordID)
	if err != nil {
		return changes.ConflictResolution{}, apperror.New(opResolveConflict, "version_read_failed", err)
	}

	var latest *changes.ChangeEvent
	if clientVersion == current {
		latest, err = c.versions.GetLatestEntityEvent(ctx, changes.EntityTypeRecord, recordID)
		if err != nil {
			return changes.ConflictResolution{}, apperror.New(opResolveConflict, "latest_read_failed", err)
		}
	}

	resolution := changes.ResolveFieldConflicts(current, latest, clientVersion, submitted)
	if resolution.ClientAhead {
		c.logger.Warn("client version ahead of server; accepting changes",
			zap.String("record_id", recordID),
			zap.Int64("client_version", clientVersion),
			zap.Int64("server_version", current))
	}
	return resolution, nil
}
