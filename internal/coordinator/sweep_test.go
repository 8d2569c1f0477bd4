package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
)

func TestCleanupStalePresenceAnnouncesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.join(t, "conn-1", "user-1")
	second := h.join(t, "conn-2", "user-2")
	h.subscribe(t, first, "tbl-1")
	h.subscribe(t, second, "tbl-1")

	h.redis.FastForward(40 * time.Second)
	if err := h.coordinator.Heartbeat(ctx, "conn-2", "tbl-1"); err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	h.redis.FastForward(30 * time.Second)

	evicted, err := h.coordinator.CleanupStalePresence(ctx)
	if err != nil {
		t.Fatalf("unexpected cleanup error: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	left := second.received(EventUserLeft)
	if len(left) != 1 {
		t.Fatalf("expected one user_left, got %d", len(left))
	}
	if payload := mustPayload[UserLeftPayload](t, left[0]); payload.UserID != "user-1" {
		t.Fatalf("expected user-1 to be evicted, got %#v", payload)
	}

	evicted, err = h.coordinator.CleanupStalePresence(ctx)
	if err != nil {
		t.Fatalf("unexpected cleanup error: %v", err)
	}
	if evicted != 0 || len(second.received(EventUserLeft)) != 1 {
		t.Fatalf("expected the second sweep to be silent, evicted %d", evicted)
	}
}

func TestCleanupStalePresenceEvictsOldLastSeen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	connection := h.join(t, "conn-1", "user-1")
	h.subscribe(t, connection, "tbl-1")

	evicted, err := h.coordinator.CleanupStalePresence(ctx)
	if err != nil || evicted != 0 {
		t.Fatalf("expected fresh presence to survive, evicted %d err %v", evicted, err)
	}

	h.clock.Advance(10 * time.Minute)
	evicted, err = h.coordinator.CleanupStalePresence(ctx)
	if err != nil {
		t.Fatalf("unexpected cleanup error: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected stale presence to be evicted, got %d", evicted)
	}
	if stored, _ := h.directory.GetPresence(ctx, "user-1", "tbl-1"); stored != nil {
		t.Fatalf("expected presence to be removed")
	}
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	h := newHarness(t)
	watcher := h.join(t, "conn-1", "user-1")
	stale := h.join(t, "conn-2", "user-2")
	h.subscribe(t, watcher, "tbl-1")
	h.subscribe(t, stale, "tbl-1")
	if err := h.directory.UpdatePresence(context.Background(), stalePresence(t, h, "user-2")); err != nil {
		t.Fatalf("failed to age presence: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.coordinator.RunSweeper(ctx, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(watcher.received(EventUserLeft)) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("sweeper never evicted the stale user")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected sweeper error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func stalePresence(t *testing.T, h *harness, userID string) presence.UserPresence {
	t.Helper()
	entry, err := h.directory.GetPresence(context.Background(), userID, "tbl-1")
	if err != nil || entry == nil {
		t.Fatalf("expected presence for %s: %v", userID, err)
	}
	entry.LastSeen = entry.LastSeen.Add(-time.Hour)
	return *entry
}
