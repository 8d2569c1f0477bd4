package changes

import "testing"

func TestResolveFieldConflictsRejectsStaleClient(t *testing.T) {
	submitted := []FieldChange{{FieldID: "name", OldValue: "a", NewValue: "b"}}

	resolution := ResolveFieldConflicts(3, nil, 2, submitted)

	if resolution.Resolved {
		t.Fatalf("expected stale client to be rejected")
	}
	if resolution.ServerVersion != 3 {
		t.Fatalf("expected server version 3, got %d", resolution.ServerVersion)
	}
	if len(resolution.Accepted) != 0 || len(resolution.Dropped) != 1 {
		t.Fatalf("unexpected partition: %#v", resolution)
	}
}

func TestResolveFieldConflictsMergesAgainstLatestEvent(t *testing.T) {
	latest := &ChangeEvent{
		Version: 4,
		Changes: []FieldChange{
			{FieldID: "status", OldValue: "todo", NewValue: "doing"},
			{FieldID: "owner", OldValue: "ann", NewValue: "bob"},
		},
	}
	submitted := []FieldChange{
		{FieldID: "title", OldValue: "draft", NewValue: "final"},
		{FieldID: "status", OldValue: "todo", NewValue: "done"},
		{FieldID: "owner", OldValue: "carl", NewValue: "dana"},
	}

	resolution := ResolveFieldConflicts(4, latest, 4, submitted)

	if !resolution.Resolved {
		t.Fatalf("expected resolution at equal versions")
	}
	if len(resolution.Accepted) != 2 {
		t.Fatalf("expected two accepted changes, got %#v", resolution.Accepted)
	}
	if resolution.Accepted[0].FieldID != "title" || resolution.Accepted[1].FieldID != "status" {
		t.Fatalf("unexpected accepted order: %#v", resolution.Accepted)
	}
	if len(resolution.Dropped) != 1 || resolution.Dropped[0].FieldID != "owner" {
		t.Fatalf("expected owner to be dropped, got %#v", resolution.Dropped)
	}
}

func TestResolveFieldConflictsWithoutLatestEventAcceptsAll(t *testing.T) {
	submitted := []FieldChange{{FieldID: "a", NewValue: 1}, {FieldID: "b", NewValue: 2}}

	resolution := ResolveFieldConflicts(2, nil, 2, submitted)

	if !resolution.Resolved || len(resolution.Accepted) != 2 || resolution.ClientAhead {
		t.Fatalf("unexpected resolution: %#v", resolution)
	}
}

func TestResolveFieldConflictsTrustsClientAhead(t *testing.T) {
	submitted := []FieldChange{{FieldID: "a", OldValue: "x", NewValue: "y"}}
	latest := &ChangeEvent{Changes: []FieldChange{{FieldID: "a", OldValue: "z"}}}

	resolution := ResolveFieldConflicts(1, latest, 5, submitted)

	if !resolution.Resolved || !resolution.ClientAhead {
		t.Fatalf("expected lenient acceptance for client ahead, got %#v", resolution)
	}
	if len(resolution.Accepted) != 1 {
		t.Fatalf("expected all changes accepted, got %#v", resolution.Accepted)
	}
}
