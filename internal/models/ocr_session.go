package models

import (
	"time"
)

// Session states as reported to uploader clients
const (
	SessionStatePending   = "pending"
	SessionStateReady     = "ready"
	SessionStateCompleted = "completed"
	SessionStateExpired   = "expired"
)

// OCRSession is a short-lived grant to upload one document for OCR.
// Created -> Verified -> Used, with Expired reachable by time alone.
type OCRSession struct {
	SessionID  string     `gorm:"column:session_id;primaryKey;type:varchar(36)" json:"sessionId"`
	PinHash    string     `gorm:"column:pin_hash;not null" json:"-"`
	ChurchID   string     `gorm:"column:church_id;index;not null" json:"churchId"`
	RecordType RecordType `gorm:"column:record_type;type:varchar(20);default:'baptism'" json:"recordType"`
	CreatedBy  string     `gorm:"column:created_by;index" json:"createdBy"`
	UserEmail  string     `gorm:"column:user_email" json:"userEmail,omitempty"`
	Verified   bool       `gorm:"column:verified;default:false" json:"verified"`
	VerifiedAt *time.Time `gorm:"column:verified_at" json:"verifiedAt,omitempty"`
	Used       bool       `gorm:"column:used;default:false" json:"used"`
	UsedAt     *time.Time `gorm:"column:used_at" json:"usedAt,omitempty"`
	ReservedAt *time.Time `gorm:"column:reserved_at" json:"-"`
	ExpiresAt  time.Time  `gorm:"column:expires_at;not null;index" json:"expiresAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (OCRSession) TableName() string {
	return "ocr_sessions"
}

// IsExpired reports whether the session is past its expiry at now
func (s *OCRSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// State derives the externally visible state at now
func (s *OCRSession) State(now time.Time) string {
	switch {
	case s.Used:
		return SessionStateCompleted
	case s.IsExpired(now):
		return SessionStateExpired
	case s.Verified:
		return SessionStateReady
	default:
		return SessionStatePending
	}
}
