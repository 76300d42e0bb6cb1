package models

import (
	"time"

	"gorm.io/datatypes"
)

// RecordType is the kind of sacramental record on a scanned page
type RecordType string

const (
	RecordTypeBaptism  RecordType = "baptism"
	RecordTypeMarriage RecordType = "marriage"
	RecordTypeFuneral  RecordType = "funeral"
	RecordTypeUnknown  RecordType = "unknown"
)

// ParseRecordType maps free text to a known record type
func ParseRecordType(s string) RecordType {
	switch RecordType(s) {
	case RecordTypeBaptism, RecordTypeMarriage, RecordTypeFuneral:
		return RecordType(s)
	}
	return RecordTypeUnknown
}

// JobStatus is the OCR engine's processing state
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusError      JobStatus = "error"
)

// TransferMarker is appended to processing notes on transfer.
// Rows written before transferred_at existed carry only this text.
const TransferMarker = "Transferred to Records DB"

// OCRJob is one document run, owned by the tenant's OCR database.
// The external OCR engine fills text, entities and confidence.
type OCRJob struct {
	ID                    int64             `gorm:"column:id;primaryKey" json:"id"`
	ChurchID              string            `gorm:"column:church_id;index;not null" json:"churchId"`
	SessionID             *string           `gorm:"column:session_id;index" json:"sessionId,omitempty"`
	Filename              string            `gorm:"column:filename;not null" json:"filename"`
	OriginalFilename      string            `gorm:"column:original_filename" json:"originalFilename"`
	StorageKey            string            `gorm:"column:storage_key" json:"storageKey,omitempty"`
	RecordType            RecordType        `gorm:"column:record_type;type:varchar(20);default:'unknown'" json:"recordType"`
	Language              string            `gorm:"column:language;default:'en'" json:"language"`
	Status                JobStatus         `gorm:"column:status;type:varchar(20);default:'pending';index" json:"status"`
	ExtractedText         string            `gorm:"column:extracted_text;type:text" json:"extractedText"`
	ExtractedEntities     datatypes.JSONMap `gorm:"column:extracted_entities" json:"extractedEntities"`
	EntityConfidence      *float64          `gorm:"column:entity_confidence" json:"entityConfidence,omitempty"`
	TranslationConfidence *float64          `gorm:"column:translation_confidence" json:"translationConfidence,omitempty"`
	ConfidenceScore       *float64          `gorm:"column:confidence_score" json:"confidenceScore,omitempty"`
	NeedsReview           bool              `gorm:"column:needs_review;default:false" json:"needsReview"`
	DetectedLanguage      string            `gorm:"column:detected_language" json:"detectedLanguage,omitempty"`
	ProcessingNotes       *string           `gorm:"column:processing_notes;type:text" json:"processingNotes,omitempty"`
	ProcessingStartedAt   *time.Time        `gorm:"column:processing_started_at" json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time        `gorm:"column:processing_completed_at;index" json:"processingCompletedAt,omitempty"`
	TransferredAt         *time.Time        `gorm:"column:transferred_at;index" json:"transferredAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (OCRJob) TableName() string {
	return "ocr_jobs"
}

// DisplayFilename prefers the uploader's original name
func (j *OCRJob) DisplayFilename() string {
	if j.OriginalFilename != "" {
		return j.OriginalFilename
	}
	return j.Filename
}
