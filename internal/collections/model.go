package collections

import (
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/database"
)

// StoredRecord persists one record of a collection as a JSON document.
type StoredRecord struct {
	Collection  string    `gorm:"column:collection;primaryKey;size:64"`
	RecordID    string    `gorm:"column:record_id;primaryKey;size:190"`
	PayloadJSON string    `gorm:"column:payload_json;type:text;not null"`
	Modified    string    `gorm:"column:modified;size:64"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "collection_records"
}

// Schema describes the tables the record store needs.
func Schema() database.Schema {
	return database.Schema{Models: []any{&StoredRecord{}}}
}
