// Package records persists the field maps of table records.
package records

import (
	"encoding/json"
	"fmt"
)

// Record models one row of a user table. Fields are stored as a JSON object.
type Record struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	TableID          string `gorm:"column:table_id;size:190;not null;index:idx_records_table_updated,priority:1"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_records_table_updated,priority:2"`
}

// TableName overrides the default table name.
func (Record) TableName() string {
	return "records"
}

// Fields decodes the stored field map. An empty payload yields an empty map.
func (r Record) Fields() (map[string]any, error) {
	fields := make(map[string]any)
	if r.FieldsJSON == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(r.FieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("records: decode fields of %s: %w", r.RecordID, err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return fields, nil
}
