package changes

// ConflictResolution is the advisory outcome of checking a client's edit
// against the server's version of an entity.
type ConflictResolution struct {
	Resolved      bool
	Accepted      []FieldChange
	Dropped       []FieldChange
	ServerVersion int64
	ClientAhead   bool
}

// ResolveFieldConflicts decides which submitted field changes survive when the
// client edited on top of clientVersion and the server is at currentVersion.
// latest is the most recent stored event for the entity and may be nil.
func ResolveFieldConflicts(currentVersion int64, latest *ChangeEvent, clientVersion int64, submitted []FieldChange) ConflictResolution {
	resolution := ConflictResolution{ServerVersion: currentVersion}

	switch {
	case clientVersion < currentVersion:
		resolution.Resolved = false
		resolution.Dropped = append([]FieldChange(nil), submitted...)
		return resolution
	case clientVersion > currentVersion:
		resolution.Resolved = true
		resolution.ClientAhead = true
		resolution.Accepted = append([]FieldChange(nil), submitted...)
		return resolution
	}

	resolution.Resolved = true
	if latest == nil {
		resolution.Accepted = append([]FieldChange(nil), submitted...)
		return resolution
	}

	recorded := make(map[string]FieldChange, len(latest.Changes))
	for _, change := range latest.Changes {
		recorded[change.FieldID] = change
	}

	for _, change := range submitted {
		stored, touched := recorded[change.FieldID]
		if !touched || ValuesEqual(stored.OldValue, change.OldValue) {
			resolution.Accepted = append(resolution.Accepted, change)
			continue
		}
		resolution.Dropped = append(resolution.Dropped, change)
	}
	return resolution
}
