package models

import (
	"time"
)

// Church is one tenant: an isolated parish data scope with its own OCR database.
// Lives in the framework database.
type Church struct {
	ID              string  `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	Name            string  `gorm:"column:church_name;not null" json:"name"`
	IsActive        bool    `gorm:"column:is_active;default:true;index" json:"isActive"`
	OCRDatabase     string  `gorm:"column:ocr_database;not null" json:"ocrDatabase"`
	RecordsDatabase string  `gorm:"column:records_database;not null" json:"recordsDatabase"`
	OCRDSN          *string `gorm:"column:ocr_dsn" json:"-"`
	RecordsDSN      *string `gorm:"column:records_dsn" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (Church) TableName() string {
	return "churches"
}

// SchedulerLease is a named leader lease so one process runs periodic work
type SchedulerLease struct {
	Name      string    `gorm:"column:name;primaryKey;type:varchar(100)" json:"name"`
	Holder    string    `gorm:"column:holder;not null" json:"holder"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null" json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (SchedulerLease) TableName() string {
	return "scheduler_leases"
}
