package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/apperror"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/coordinator"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/realtime"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Inbound event names.
const (
	inboundAuthenticate       = "authenticate"
	inboundSubscribe          = "subscribe_to_table"
	inboundUnsubscribe        = "unsubscribe_from_table"
	inboundCursorPosition     = "cursor_position"
	inboundSelection          = "selection"
	inboundRecordChange       = "record_change"
	inboundBatchChanges       = "batch_changes"
	inboundSyncOfflineChanges = "sync_offline_changes"
	inboundHeartbeat          = "heartbeat"
	inboundRecoverConnection  = "recover_connection"
)

const internalErrorMessage = "internal error"

var errUnknownEvent = errors.New("server: unknown event")

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type authenticatePayload struct {
	UserID    string `json:"userId" validate:"required,max=190"`
	UserName  string `json:"userName" validate:"max=190"`
	AvatarURL string `json:"avatarUrl" validate:"omitempty,url"`
}

type subscribePayload struct {
	TableID string `json:"tableId" validate:"required,max=190"`
	ViewID  string `json:"viewId" validate:"max=190"`
}

type tablePayload struct {
	TableID string `json:"tableId" validate:"required,max=190"`
}

type cursorPayload struct {
	TableID string          `json:"tableId" validate:"required,max=190"`
	Cursor  presence.Cursor `json:"cursor"`
}

type selectionPayload struct {
	TableID   string             `json:"tableId" validate:"required,max=190"`
	Selection presence.Selection `json:"selection"`
}

type recordChangePayload struct {
	Type          changes.ChangeType    `json:"type" validate:"required"`
	RecordID      string                `json:"recordId" validate:"required,max=190"`
	TableID       string                `json:"tableId" validate:"required,max=190"`
	BaseID        string                `json:"baseId" validate:"max=190"`
	Changes       []changes.FieldChange `json:"changes" validate:"dive"`
	Metadata      map[string]any        `json:"metadata"`
	ClientVersion *int64                `json:"clientVersion" validate:"omitempty,min=0"`
	OldFields     map[string]any        `json:"oldFields"`
	NewFields     map[string]any        `json:"newFields"`
}

func (p recordChangePayload) input() coordinator.RecordChangeInput {
	return coordinator.RecordChangeInput{
		Type:          p.Type,
		RecordID:      p.RecordID,
		TableID:       p.TableID,
		BaseID:        p.BaseID,
		Changes:       p.Changes,
		Metadata:      p.Metadata,
		ClientVersion: p.ClientVersion,
		OldFields:     p.OldFields,
		NewFields:     p.NewFields,
	}
}

type batchEntryPayload struct {
	Type      changes.ChangeType    `json:"type" validate:"required"`
	RecordID  string                `json:"recordId" validate:"required,max=190"`
	BaseID    string                `json:"baseId" validate:"max=190"`
	Changes   []changes.FieldChange `json:"changes"`
	Metadata  map[string]any        `json:"metadata"`
	OldFields map[string]any        `json:"oldFields"`
	NewFields map[string]any        `json:"newFields"`
}

type batchChangesPayload struct {
	TableID string              `json:"tableId" validate:"required,max=190"`
	BaseID  string              `json:"baseId" validate:"max=190"`
	Changes []batchEntryPayload `json:"changes" validate:"required,min=1,max=500,dive"`
}

type syncOfflinePayload struct {
	Events []changes.ChangeEvent `json:"events" validate:"max=1000"`
}

type heartbeatPayload struct {
	TableID string `json:"tableId" validate:"max=190"`
}

type recoverPayload struct {
	TableID     string `json:"tableId" validate:"required,max=190"`
	ViewID      string `json:"viewId" validate:"max=190"`
	LastEventID string `json:"lastEventId" validate:"max=190"`
	LastVersion *int64 `json:"lastVersion" validate:"omitempty,min=0"`
}

// newPayloadValidator reports failing fields by their JSON names.
func newPayloadValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// dispatcher decodes inbound frames and routes them to the coordinator.
type dispatcher struct {
	coordinator Coordinator
	validate    *validator.Validate
	logger      *zap.Logger
}

func (d *dispatcher) handle(ctx context.Context, connection realtime.Connection, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.reject(connection, "", fmt.Errorf("%w: malformed frame", coordinator.ErrInvalidPayload))
		return
	}
	if err := d.route(ctx, connection.ID(), frame); err != nil {
		d.reject(connection, frame.Event, err)
	}
}

func (d *dispatcher) route(ctx context.Context, connectionID string, frame inboundFrame) error {
	switch frame.Event {
	case inboundAuthenticate:
		var payload authenticatePayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		return d.coordinator.Authenticate(ctx, connectionID, coordinator.AuthenticateInput{
			UserID:    payload.UserID,
			UserName:  payload.UserName,
			AvatarURL: payload.AvatarURL,
		})
	case inboundSubscribe:
		var payload subscribePayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		return d.coordinator.Subscribe(ctx, connectionID, payload.TableID, payload.ViewID)
	case inboundUnsubscribe:
		var payload tablePayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		return d.coordinator.Unsubscribe(ctx, connectionID, payload.TableID)
	case inboundCursorPosition:
		var payload cursorPayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		return d.coordinator.UpdateCursor(ctx, connectionID, payload.TableID, payload.Cursor)
	case inboundSelection:
		var payload selectionPayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		return d.coordinator.UpdateSelection(ctx, connectionID, payload.TableID, payload.Selection)
	case inboundRecordChange:
		var payload recordChangePayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		_, err := d.coordinator.SubmitRecordChange(ctx, connectionID, payload.input())
		return err
	case inboundBatchChanges:
		var payload batchChangesPayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		inputs := make([]coordinator.RecordChangeInput, 0, len(payload.Changes))
		for _, entry := range payload.Changes {
			inputs = append(inputs, coordinator.RecordChangeInput{
				Type:      entry.Type,
				RecordID:  entry.RecordID,
				BaseID:    entry.BaseID,
				Changes:   entry.Changes,
				Metadata:  entry.Metadata,
				OldFields: entry.OldFields,
				NewFields: entry.NewFields,
			})
		}
		_, err := d.coordinator.SubmitBatchChanges(ctx, connectionID, payload.TableID, payload.BaseID, inputs)
		return err
	case inboundSyncOfflineChanges:
		var payload syncOfflinePayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		_, err := d.coordinator.SyncOfflineChanges(ctx, connectionID, payload.Events)
		return err
	case inboundHeartbeat:
		var payload heartbeatPayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		return d.coordinator.Heartbeat(ctx, connectionID, payload.TableID)
	case inboundRecoverConnection:
		var payload recoverPayload
		if err := d.decode(frame.Data, &payload); err != nil {
			return err
		}
		_, err := d.coordinator.RecoverConnection(ctx, connectionID, coordinator.RecoverInput{
			TableID:     payload.TableID,
			ViewID:      payload.ViewID,
			LastEventID: payload.LastEventID,
			LastVersion: payload.LastVersion,
		})
		return err
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, frame.Event)
	}
}

func (d *dispatcher) decode(data json.RawMessage, target any) error {
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("%w: %v", coordinator.ErrInvalidPayload, err)
		}
	}
	if err := d.validate.Struct(target); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %s", coordinator.ErrInvalidPayload, describeValidation(validationErrors))
		}
		return fmt.Errorf("%w: %v", coordinator.ErrInvalidPayload, err)
	}
	return nil
}

func describeValidation(validationErrors validator.ValidationErrors) string {
	parts := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		_, field, found := strings.Cut(fieldError.Namespace(), ".")
		if !found {
			field = fieldError.Field()
		}
		parts = append(parts, field+" failed "+fieldError.Tag())
	}
	return strings.Join(parts, ", ")
}

// reject answers the initiator with an error frame. Client mistakes are echoed;
// storage failures are reported by code only.
func (d *dispatcher) reject(connection realtime.Connection, event string, err error) {
	message := internalErrorMessage
	switch {
	case errors.Is(err, coordinator.ErrInvalidPayload),
		errors.Is(err, coordinator.ErrNotAuthenticated),
		errors.Is(err, coordinator.ErrIdentityMismatch),
		errors.Is(err, coordinator.ErrUnknownConnection),
		errors.Is(err, errUnknownEvent):
		message = err.Error()
		d.logger.Debug("inbound frame rejected",
			zap.String("connection_id", connection.ID()),
			zap.String("event", event),
			zap.Error(err))
	default:
		if code := apperror.Code(err); code != "" {
			message = code
		}
		d.logger.Error("inbound frame failed",
			zap.String("connection_id", connection.ID()),
			zap.String("event", event),
			zap.Error(err))
	}
	if sendErr := connection.Send(realtime.Message{
		Event: coordinator.EventError,
		Data:  coordinator.ErrorPayload{Message: message},
	}); sendErr != nil {
		d.logger.Debug("error frame dropped", zap.String("connection_id", connection.ID()), zap.Error(sendErr))
	}
}
