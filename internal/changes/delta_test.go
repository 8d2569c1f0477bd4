package changes

import (
	"reflect"
	"testing"
)

func TestCalculateDeltaReportsModifiedRemovedAndAddedFields(t *testing.T) {
	oldFields := map[string]any{"a": 1, "b": 2, "c": 3}
	newFields := map[string]any{"a": 9, "b": 2, "d": 4}

	delta := CalculateDelta(oldFields, newFields)

	expected := []FieldChange{
		{FieldID: "a", OldValue: 1, NewValue: 9},
		{FieldID: "c", OldValue: 3},
		{FieldID: "d", NewValue: 4},
	}
	if !reflect.DeepEqual(delta, expected) {
		t.Fatalf("unexpected delta: %#v", delta)
	}
}

func TestCalculateDeltaOrdersOldFieldsBeforeNewOnes(t *testing.T) {
	oldFields := map[string]any{"zeta": "x", "alpha": "y"}
	newFields := map[string]any{"beta": true, "zeta": "changed"}

	delta := CalculateDelta(oldFields, newFields)

	order := make([]string, 0, len(delta))
	for _, change := range delta {
		order = append(order, change.FieldID)
	}
	if !reflect.DeepEqual(order, []string{"alpha", "zeta", "beta"}) {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestCalculateDeltaComparesStructurally(t *testing.T) {
	oldFields := map[string]any{
		"tags":   []any{"red", "blue"},
		"amount": float64(3),
		"link":   map[string]any{"id": "rec1"},
	}
	newFields := map[string]any{
		"tags":   []string{"red", "blue"},
		"amount": 3,
		"link":   map[string]any{"id": "rec1"},
	}

	if delta := CalculateDelta(oldFields, newFields); len(delta) != 0 {
		t.Fatalf("expected no changes for structurally equal values, got %#v", delta)
	}
}

func TestCalculateDeltaHandlesEmptyInputs(t *testing.T) {
	testCases := []struct {
		name      string
		oldFields map[string]any
		newFields map[string]any
		expected  int
	}{
		{name: "both nil", expected: 0},
		{name: "only new", newFields: map[string]any{"a": 1, "b": 2}, expected: 2},
		{name: "only old", oldFields: map[string]any{"a": 1}, expected: 1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			delta := CalculateDelta(testCase.oldFields, testCase.newFields)
			if delta == nil {
				t.Fatalf("expected non-nil delta slice")
			}
			if len(delta) != testCase.expected {
				t.Fatalf("expected %d changes, got %d", testCase.expected, len(delta))
			}
		})
	}
}
