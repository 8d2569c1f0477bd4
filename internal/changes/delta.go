package changes

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CalculateDelta lists the field transitions between two versions of a record.
// Fields of the old record come first in lexical order, followed by fields that
// only exist in the new record, also in lexical order.
func CalculateDelta(oldFields, newFields map[string]any) []FieldChange {
	delta := make([]FieldChange, 0)

	oldKeys := sortedKeys(oldFields)
	for _, fieldID := range oldKeys {
		oldValue := oldFields[fieldID]
		newValue, present := newFields[fieldID]
		if !present {
			delta = append(delta, FieldChange{FieldID: fieldID, OldValue: oldValue})
			continue
		}
		if !ValuesEqual(oldValue, newValue) {
			delta = append(delta, FieldChange{FieldID: fieldID, OldValue: oldValue, NewValue: newValue})
		}
	}

	for _, fieldID := range sortedKeys(newFields) {
		if _, present := oldFields[fieldID]; present {
			continue
		}
		delta = append(delta, FieldChange{FieldID: fieldID, NewValue: newFields[fieldID]})
	}
	return delta
}

// ValuesEqual compares two field values by their JSON encoding.
func ValuesEqual(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
