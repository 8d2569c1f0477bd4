package coordinator

import (
	"context"
	"testing"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
)

func seedVersions(t *testing.T, h *harness, connectionID string, count int) []changes.ChangeEvent {
	t.Helper()
	stamped := make([]changes.ChangeEvent, 0, count)
	for index := 0; index < count; index++ {
		event, err := h.coordinator.SubmitRecordChange(context.Background(), connectionID, RecordChangeInput{
			Type: changes.ChangeTypeUpdate, RecordID: "rec-1", TableID: "tbl-1",
			Changes: []changes.FieldChange{{FieldID: "counter", NewValue: float64(index)}},
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
		stamped = append(stamped, *event)
	}
	return stamped
}

func TestRecoverConnectionReturnsEventsAfterLastVersion(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RecoveryWindow = 5 })
	ctx := context.Background()

	author := h.join(t, "conn-1", "user-1")
	h.subscribe(t, author, "tbl-1")
	seedVersions(t, h, "conn-1", 7)

	returning := h.join(t, "conn-2", "user-2")
	count, err := h.coordinator.RecoverConnection(ctx, "conn-2", RecoverInput{
		TableID:     "tbl-1",
		ViewID:      "view-2",
		LastVersion: int64Pointer(5),
	})
	if err != nil {
		t.Fatalf("unexpected recover error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two missed events, got %d", count)
	}

	missed := mustPayload[EventsPayload](t, returning.received(EventMissedEvents)[0]).Events
	if len(missed) != 2 || missed[0].Version != 6 || missed[1].Version != 7 {
		t.Fatalf("expected versions 6 and 7 in order, got %#v", missed)
	}
	recovered := mustPayload[ConnectionRecoveredPayload](t, returning.received(EventConnectionRecovered)[0])
	if recovered.MissedEventsCount != 2 {
		t.Fatalf("expected missed count 2, got %d", recovered.MissedEventsCount)
	}

	reconnected := author.received(EventUserReconnected)
	if len(reconnected) != 1 {
		t.Fatalf("expected one user_reconnected, got %d", len(reconnected))
	}
	if entry := mustPayload[PresencePayload](t, reconnected[0]).Presence; entry.UserID != "user-2" || entry.ViewID != "view-2" {
		t.Fatalf("unexpected reconnected presence: %#v", entry)
	}
	if h.hub.Members("tbl-1") != 2 {
		t.Fatalf("expected the recovered connection to rejoin the room")
	}
}

func TestRecoverConnectionByLastEventID(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RecoveryWindow = 5 })
	ctx := context.Background()

	author := h.join(t, "conn-1", "user-1")
	h.subscribe(t, author, "tbl-1")
	stamped := seedVersions(t, h, "conn-1", 7)

	testCases := []struct {
		name        string
		lastEventID string
		expected    []int64
	}{
		{name: "known event", lastEventID: stamped[3].ID, expected: []int64{5, 6, 7}},
		{name: "newest event", lastEventID: stamped[6].ID, expected: []int64{}},
		{name: "event outside window", lastEventID: stamped[0].ID, expected: []int64{3, 4, 5, 6, 7}},
		{name: "no cursor", expected: []int64{3, 4, 5, 6, 7}},
	}
	for index, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			connection := h.join(t, "conn-recover-"+string(rune('a'+index)), "user-2")
			count, err := h.coordinator.RecoverConnection(ctx, connection.ID(), RecoverInput{
				TableID:     "tbl-1",
				LastEventID: testCase.lastEventID,
			})
			if err != nil {
				t.Fatalf("unexpected recover error: %v", err)
			}
			if count != len(testCase.expected) {
				t.Fatalf("expected %d missed events, got %d", len(testCase.expected), count)
			}
			messages := connection.received(EventMissedEvents)
			if len(testCase.expected) == 0 {
				if len(messages) != 0 {
					t.Fatalf("did not expect missed_events when nothing was missed")
				}
				return
			}
			missed := mustPayload[EventsPayload](t, messages[0]).Events
			for position, version := range testCase.expected {
				if missed[position].Version != version {
					t.Fatalf("position %d: expected version %d, got %d", position, version, missed[position].Version)
				}
			}
		})
	}
}

func TestMissedEventsPrefersEventID(t *testing.T) {
	newestFirst := []changes.ChangeEvent{
		{ID: "e3", Version: 3},
		{ID: "e2", Version: 2},
		{ID: "e1", Version: 1},
	}

	missed := missedEvents(newestFirst, "e2", int64Pointer(0))
	if len(missed) != 1 || missed[0].ID != "e3" {
		t.Fatalf("expected only e3, got %#v", missed)
	}

	missed = missedEvents(newestFirst, "", int64Pointer(1))
	if len(missed) != 2 || missed[0].ID != "e2" || missed[1].ID != "e3" {
		t.Fatalf("expected e2 then e3, got %#v", missed)
	}

	if missed = missedEvents(nil, "e1", nil); len(missed) != 0 {
		t.Fatalf("expected nothing from an empty window, got %#v", missed)
	}
}
