package models

import (
	"time"

	"gorm.io/datatypes"
)

// Transfer statuses
const (
	TransferPending   = "pending"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// Transfer types
const (
	TransferTypeAuto   = "auto"
	TransferTypeManual = "manual"
)

// Review queue statuses; only pending_review is written here, the review UI owns the rest
const (
	ReviewPending  = "pending_review"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewInserted = "inserted"
)

// ProcessingLogEntry is the audit row written once per successful transfer
type ProcessingLogEntry struct {
	ID              int64             `gorm:"column:id;primaryKey" json:"id"`
	ChurchID        string            `gorm:"column:church_id;index;not null" json:"churchId"`
	OCRJobID        int64             `gorm:"column:ocr_job_id;index;not null" json:"ocrJobId"`
	RecordType      RecordType        `gorm:"column:record_type;type:varchar(20)" json:"recordType"`
	Filename        string            `gorm:"column:filename" json:"filename"`
	Status          string            `gorm:"column:status;type:varchar(20)" json:"status"`
	UserID          *string           `gorm:"column:user_id" json:"userId,omitempty"`
	StartedAt       *time.Time        `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `gorm:"column:completed_at" json:"completedAt,omitempty"`
	ConfidenceScore float64           `gorm:"column:confidence_score" json:"confidenceScore"`
	Metadata        datatypes.JSONMap `gorm:"column:processing_metadata" json:"metadata"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name
func (ProcessingLogEntry) TableName() string {
	return "ocr_processing_log"
}

// ReviewQueueEntry is the unit of human or automatic triage
type ReviewQueueEntry struct {
	ID               int64      `gorm:"column:id;primaryKey" json:"id"`
	ChurchID         string     `gorm:"column:church_id;index;not null" json:"churchId"`
	OCRJobID         int64      `gorm:"column:ocr_job_id;index;not null" json:"ocrJobId"`
	ProcessingLogID  int64      `gorm:"column:processing_log_id;index;not null" json:"processingLogId"`
	RecordType       RecordType `gorm:"column:record_type;type:varchar(20)" json:"recordType"`
	Filename         string     `gorm:"column:filename" json:"filename"`
	OriginalFilename string     `gorm:"column:original_filename" json:"originalFilename"`
	ExtractedText    string     `gorm:"column:extracted_text;type:text" json:"extractedText"`
	ConfidenceAvg    float64    `gorm:"column:confidence_avg" json:"confidenceAvg"`
	Status           string     `gorm:"column:status;type:varchar(20);default:'pending_review';index" json:"status"`
	Priority         string     `gorm:"column:priority;type:varchar(10);index" json:"priority"`
	AutoInsertable   bool       `gorm:"column:auto_insertable;default:false" json:"autoInsertable"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (ReviewQueueEntry) TableName() string {
	return "ocr_review_queue"
}

// TransferRecord tracks one transfer attempt independently of its payload rows.
// At most one pending or completed row exists per (church, source job).
type TransferRecord struct {
	ID              int64      `gorm:"column:id;primaryKey" json:"id"`
	ChurchID        string     `gorm:"column:church_id;not null;uniqueIndex:idx_transfer_active,where:transfer_status <> 'failed'" json:"churchId"`
	SourceOCRJobID  int64      `gorm:"column:source_ocr_job_id;not null;uniqueIndex:idx_transfer_active;index" json:"sourceOcrJobId"`
	ProcessingLogID *int64     `gorm:"column:processing_log_id" json:"processingLogId,omitempty"`
	ReviewQueueID   *int64     `gorm:"column:review_queue_id" json:"reviewQueueId,omitempty"`
	TransferStatus  string     `gorm:"column:transfer_status;type:varchar(20);not null;index" json:"transferStatus"`
	TransferType    string     `gorm:"column:transfer_type;type:varchar(10);default:'auto'" json:"transferType"`
	SourceDatabase  string     `gorm:"column:source_database" json:"sourceDatabase"`
	RecordType      RecordType `gorm:"column:record_type;type:varchar(20)" json:"recordType"`
	TargetRecordID  *int64     `gorm:"column:target_record_id" json:"targetRecordId,omitempty"`
	StartedAt       time.Time  `gorm:"column:transfer_started_at" json:"transferStartedAt"`
	CompletedAt     *time.Time `gorm:"column:transfer_completed_at" json:"transferCompletedAt,omitempty"`
	ErrorMessage    *string    `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	RetryCount      int        `gorm:"column:retry_count;default:0" json:"retryCount"`
	InitiatedBy     *string    `gorm:"column:initiated_by" json:"initiatedBy,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (TransferRecord) TableName() string {
	return "ocr_job_transfers"
}
