// Package session issues and validates the short-lived grants that gate OCR uploads.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/utils"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	pinDigits        = 6
	maxExpiryMinutes = 24 * 60
	defaultListLimit = 20
	maxListLimit     = 100
	reservationTTL   = 10 * time.Minute
)

// Error messages are shown to uploaders verbatim
var (
	ErrSessionNotFound    = errors.New("Session not found or invalid PIN")
	ErrSessionExpired     = errors.New("Session has expired")
	ErrSessionNotVerified = errors.New("Session not verified")
	ErrSessionAlreadyUsed = errors.New("Session already used")
	ErrInvalidRequest     = errors.New("invalid session request")
)

// CreateOptions describe a new session
type CreateOptions struct {
	ChurchID      string `json:"churchId"`
	RecordType    string `json:"recordType"`
	ExpiryMinutes int    `json:"expiryMinutes"`
	UserEmail     string `json:"userEmail"`
}

// Issued is a freshly created session with its one-time secrets
type Issued struct {
	Session   models.OCRSession `json:"session"`
	PIN       string            `json:"pin"`
	VerifyURL string            `json:"verifyUrl"`
	QRCode    []byte            `json:"-"`
}

// Info is the public view of a session
type Info struct {
	SessionID  string            `json:"sessionId"`
	ChurchID   string            `json:"churchId"`
	RecordType models.RecordType `json:"recordType"`
	State      string            `json:"status"`
	Verified   bool              `json:"verified"`
	Used       bool              `json:"used"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// Manager owns the ocr_sessions table
type Manager struct {
	db            *gorm.DB
	baseURL       string
	defaultExpiry int
	log           *zap.SugaredLogger
	now           func() time.Time
}

// NewManager creates a session manager. defaultExpiryMinutes applies when a
// request does not ask for a specific lifetime.
func NewManager(db *gorm.DB, baseURL string, defaultExpiryMinutes int, log *zap.SugaredLogger) *Manager {
	if defaultExpiryMinutes <= 0 {
		defaultExpiryMinutes = 30
	}
	return &Manager{
		db:            db,
		baseURL:       strings.TrimRight(baseURL, "/"),
		defaultExpiry: defaultExpiryMinutes,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Create issues a new unverified session for userID
func (m *Manager) Create(ctx context.Context, userID string, opts CreateOptions) (*Issued, error) {
	if opts.ChurchID == "" {
		return nil, fmt.Errorf("%w: church id is required", ErrInvalidRequest)
	}
	recordType := models.RecordTypeBaptism
	if opts.RecordType != "" {
		recordType = models.ParseRecordType(opts.RecordType)
		if recordType == models.RecordTypeUnknown {
			return nil, fmt.Errorf("%w: unknown record type %q", ErrInvalidRequest, opts.RecordType)
		}
	}

	minutes := opts.ExpiryMinutes
	if minutes <= 0 {
		minutes = m.defaultExpiry
	}
	if minutes > maxExpiryMinutes {
		minutes = maxExpiryMinutes
	}

	pin, err := utils.GeneratePIN(pinDigits)
	if err != nil {
		return nil, fmt.Errorf("generate pin: %w", err)
	}
	hash, err := utils.HashPassword(pin)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	now := m.now()
	sess := models.OCRSession{
		SessionID:  uuid.NewString(),
		PinHash:    hash,
		ChurchID:   opts.ChurchID,
		RecordType: recordType,
		CreatedBy:  userID,
		UserEmail:  opts.UserEmail,
		ExpiresAt:  now.Add(time.Duration(minutes) * time.Minute),
	}
	if err := m.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	verifyURL := m.VerifyURL(sess.SessionID, pin)
	png, err := qrcode.Encode(verifyURL, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}

	m.log.Infow("🔐 OCR session created", "session_id", sess.SessionID, "church_id", sess.ChurchID,
		"record_type", sess.RecordType, "expires_at", sess.ExpiresAt)

	return &Issued{Session: sess, PIN: pin, VerifyURL: verifyURL, QRCode: png}, nil
}

// VerifyURL is the link encoded in the session barcode
func (m *Manager) VerifyURL(sessionID, pin string) string {
	q := url.Values{}
	q.Set("id", sessionID)
	q.Set("pin", pin)
	return m.baseURL + "/api/ocr/validate-upload?" + q.Encode()
}

// Verify checks the PIN and marks the session verified. Verifying an already
// verified live session succeeds without a second transition.
func (m *Manager) Verify(ctx context.Context, sessionID, pin string) (bool, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !utils.CheckPasswordHash(pin, sess.PinHash) {
		return false, ErrSessionNotFound
	}

	now := m.now()
	if err := checkLive(sess, now); err != nil {
		return false, err
	}
	if sess.Verified {
		return true, nil
	}

	res := m.db.WithContext(ctx).Model(&models.OCRSession{}).
		Where("session_id = ? AND verified = ? AND used = ? AND expires_at > ?", sessionID, false, false, now).
		Updates(map[string]interface{}{
			"verified":    true,
			"verified_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("verify session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost a race; report whatever state won
		if sess, err = m.load(ctx, sessionID); err != nil {
			return false, err
		}
		if err := checkLive(sess, now); err != nil {
			return false, err
		}
		return sess.Verified, nil
	}

	m.log.Infow("✅ OCR session verified", "session_id", sessionID)
	return true, nil
}

// ValidateForUpload returns the session when it is verified, unused and
// unexpired. It does not claim it; uploads go through Reserve.
func (m *Manager) ValidateForUpload(ctx context.Context, sessionID string) (*models.OCRSession, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkLive(sess, m.now()); err != nil {
		return nil, err
	}
	if !sess.Verified {
		return nil, ErrSessionNotVerified
	}
	return sess, nil
}

// Reserve claims a verified, unused, unexpired session for one upload. Only
// one caller wins; the rest get ErrSessionAlreadyUsed until the holder
// releases it or reservationTTL passes.
func (m *Manager) Reserve(ctx context.Context, sessionID string) (*models.OCRSession, error) {
	sess, err := m.ValidateForUpload(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	res := m.db.WithContext(ctx).Model(&models.OCRSession{}).
		Where("session_id = ? AND verified = ? AND used = ? AND expires_at > ?", sessionID, true, false, now).
		Where("(reserved_at IS NULL OR reserved_at < ?)", now.Add(-reservationTTL)).
		Update("reserved_at", now)
	if res.Error != nil {
		return nil, fmt.Errorf("reserve session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := m.ValidateForUpload(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionAlreadyUsed
	}

	sess.ReservedAt = &now
	return sess, nil
}

// Release drops a reservation whose upload did not complete
func (m *Manager) Release(ctx context.Context, sessionID string) {
	err := m.db.WithContext(ctx).Model(&models.OCRSession{}).
		Where("session_id = ? AND used = ?", sessionID, false).
		Update("reserved_at", nil).Error
	if err != nil {
		m.log.Warnw("failed to release session reservation", "session_id", sessionID, "err", err)
	}
}

// MarkUsed consumes the session. Failures are logged, never returned.
func (m *Manager) MarkUsed(ctx context.Context, sessionID string) {
	now := m.now()
	res := m.db.WithContext(ctx).Model(&models.OCRSession{}).
		Where("session_id = ? AND verified = ? AND used = ? AND expires_at > ?", sessionID, true, false, now).
		Updates(map[string]interface{}{
			"used":    true,
			"used_at": now,
		})
	if res.Error != nil {
		m.log.Errorw("❌ failed to mark session used", "session_id", sessionID, "err", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		m.log.Warnw("session not consumable", "session_id", sessionID)
		return
	}
	m.log.Infow("OCR session used", "session_id", sessionID)
}

// Status reports the session's current state
func (m *Manager) Status(ctx context.Context, sessionID string) (*Info, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Info{
		SessionID:  sess.SessionID,
		ChurchID:   sess.ChurchID,
		RecordType: sess.RecordType,
		State:      sess.State(m.now()),
		Verified:   sess.Verified,
		Used:       sess.Used,
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

// List returns the sessions created by userID, newest first
func (m *Manager) List(ctx context.Context, userID string, limit, offset int) ([]models.OCRSession, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions := []models.OCRSession{}
	err := m.db.WithContext(ctx).
		Where("created_by = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpired deletes sessions past their expiry and returns how many went
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Where("expires_at <= ?", m.now()).Delete(&models.OCRSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.log.Infow("🧹 expired OCR sessions removed", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (m *Manager) load(ctx context.Context, sessionID string) (*models.OCRSession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrSessionNotFound
	}
	var sess models.OCRSession
	err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

func checkLive(sess *models.OCRSession, now time.Time) error {
	if sess.Used {
		return ErrSessionAlreadyUsed
	}
	if sess.IsExpired(now) {
		return ErrSessionExpired
	}
	return nil
}
