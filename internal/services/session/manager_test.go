package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/database/dbtest"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	db := dbtest.Open(t, &models.OCRSession{})
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := NewManager(db, "https://records.example.org/", 30, zap.NewNop().Sugar())
	m.now = c.now
	return m, c
}

func issue(t *testing.T, m *Manager) *Issued {
	t.Helper()
	issued, err := m.Create(context.Background(), "user-1", CreateOptions{ChurchID: "stpaul", RecordType: "marriage"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return issued
}

func TestCreate(t *testing.T) {
	m, c := newTestManager(t)
	issued := issue(t, m)

	if len(issued.PIN) != 6 {
		t.Errorf("Expected 6-digit PIN, got %q", issued.PIN)
	}
	if issued.Session.PinHash == issued.PIN {
		t.Error("PIN must be stored hashed")
	}
	if !issued.Session.ExpiresAt.Equal(c.t.Add(30 * time.Minute)) {
		t.Errorf("Expected default 30 minute expiry, got %v", issued.Session.ExpiresAt)
	}
	if issued.Session.RecordType != models.RecordTypeMarriage || issued.Session.Verified || issued.Session.Used {
		t.Errorf("Unexpected new session: %+v", issued.Session)
	}
	if len(issued.QRCode) == 0 {
		t.Error("Expected QR code PNG")
	}

	u, err := url.Parse(issued.VerifyURL)
	if err != nil {
		t.Fatalf("bad verify url: %v", err)
	}
	if !strings.HasPrefix(issued.VerifyURL, "https://records.example.org/api/ocr/validate-upload?") {
		t.Errorf("Unexpected verify url: %s", issued.VerifyURL)
	}
	if u.Query().Get("id") != issued.Session.SessionID || u.Query().Get("pin") != issued.PIN {
		t.Errorf("Verify url missing id or pin: %s", issued.VerifyURL)
	}
}

func TestCreate_ExpiryBounds(t *testing.T) {
	m, c := newTestManager(t)

	issued, err := m.Create(context.Background(), "user-1", CreateOptions{ChurchID: "stpaul", ExpiryMinutes: 10_000})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !issued.Session.ExpiresAt.Equal(c.t.Add(24 * time.Hour)) {
		t.Errorf("Expected expiry capped at 24h, got %v", issued.Session.ExpiresAt)
	}
	if issued.Session.RecordType != models.RecordTypeBaptism {
		t.Errorf("Expected baptism default, got %s", issued.Session.RecordType)
	}

	if _, err := m.Create(context.Background(), "user-1", CreateOptions{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest without church, got %v", err)
	}
	if _, err := m.Create(context.Background(), "user-1", CreateOptions{ChurchID: "stpaul", RecordType: "chrismation"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for unknown record type, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	issued := issue(t, m)
	id := issued.Session.SessionID

	if _, err := m.ValidateForUpload(ctx, id); !errors.Is(err, ErrSessionNotVerified) {
		t.Fatalf("Expected ErrSessionNotVerified, got %v", err)
	}

	if ok, err := m.Verify(ctx, id, issued.PIN); err != nil || !ok {
		t.Fatalf("Verify failed: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Verify(ctx, id, issued.PIN); err != nil || !ok {
		t.Fatalf("Re-verify of a live session should succeed: ok=%v err=%v", ok, err)
	}

	if info, _ := m.Status(ctx, id); info.State != models.SessionStateReady {
		t.Errorf("Expected ready, got %s", info.State)
	}

	sess, err := m.ValidateForUpload(ctx, id)
	if err != nil {
		t.Fatalf("ValidateForUpload failed: %v", err)
	}
	if sess.ChurchID != "stpaul" {
		t.Errorf("Unexpected church: %s", sess.ChurchID)
	}

	m.MarkUsed(ctx, id)
	m.MarkUsed(ctx, id)

	if _, err := m.ValidateForUpload(ctx, id); !errors.Is(err, ErrSessionAlreadyUsed) {
		t.Errorf("Expected ErrSessionAlreadyUsed, got %v", err)
	}
	if _, err := m.Verify(ctx, id, issued.PIN); !errors.Is(err, ErrSessionAlreadyUsed) {
		t.Errorf("Expected ErrSessionAlreadyUsed on verify, got %v", err)
	}
	if info, _ := m.Status(ctx, id); info.State != models.SessionStateCompleted || !info.Used {
		t.Errorf("Expected completed, got %+v", info)
	}
}

func TestVerify_Rejections(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	issued := issue(t, m)
	id := issued.Session.SessionID

	wrong := "000000"
	if issued.PIN == wrong {
		wrong = "111111"
	}
	if _, err := m.Verify(ctx, id, wrong); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound for bad PIN, got %v", err)
	}
	if _, err := m.Verify(ctx, "not-a-uuid", issued.PIN); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound for bad id, got %v", err)
	}
	if _, err := m.Verify(ctx, "5b0f8f0e-1f6a-4c55-9d0e-7d7d6c3b2a10", issued.PIN); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound for unknown id, got %v", err)
	}

	c.advance(30 * time.Minute)
	if _, err := m.Verify(ctx, id, issued.PIN); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired at expiry, got %v", err)
	}
	if info, _ := m.Status(ctx, id); info.State != models.SessionStateExpired {
		t.Errorf("Expected expired, got %s", info.State)
	}
}

func TestValidateForUpload_ExpiredAfterVerify(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	issued := issue(t, m)
	id := issued.Session.SessionID

	if _, err := m.Verify(ctx, id, issued.PIN); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	c.advance(31 * time.Minute)

	if _, err := m.ValidateForUpload(ctx, id); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired, got %v", err)
	}

	m.MarkUsed(ctx, id)
	var sess models.OCRSession
	m.db.First(&sess, "session_id = ?", id)
	if sess.Used {
		t.Error("An expired session must not be consumed")
	}
}

func TestReserve_SingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	issued := issue(t, m)
	id := issued.Session.SessionID

	if _, err := m.Reserve(ctx, id); !errors.Is(err, ErrSessionNotVerified) {
		t.Fatalf("Expected ErrSessionNotVerified before verify, got %v", err)
	}
	if _, err := m.Verify(ctx, id, issued.PIN); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		refused  int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Reserve(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrSessionAlreadyUsed):
				refused++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 1 || refused != 4 {
		t.Fatalf("Expected one admitted upload, got admitted=%d refused=%d", admitted, refused)
	}

	m.MarkUsed(ctx, id)
	if _, err := m.Reserve(ctx, id); !errors.Is(err, ErrSessionAlreadyUsed) {
		t.Errorf("Expected ErrSessionAlreadyUsed after use, got %v", err)
	}
}

func TestReserve_ReleaseAndTTL(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	issued := issue(t, m)
	id := issued.Session.SessionID
	if _, err := m.Verify(ctx, id, issued.PIN); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if _, err := m.Reserve(ctx, id); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := m.Reserve(ctx, id); !errors.Is(err, ErrSessionAlreadyUsed) {
		t.Fatalf("Expected held reservation to refuse, got %v", err)
	}

	m.Release(ctx, id)
	if _, err := m.Reserve(ctx, id); err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}

	// An abandoned reservation lapses
	c.advance(reservationTTL + time.Minute)
	if _, err := m.Reserve(ctx, id); err != nil {
		t.Fatalf("Reserve after lapsed reservation failed: %v", err)
	}
}

func TestListAndCleanup(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		issue(t, m)
		c.advance(time.Minute)
	}
	if _, err := m.Create(ctx, "user-2", CreateOptions{ChurchID: "stnicholas", ExpiryMinutes: 120}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	list, err := m.List(ctx, "user-1", 2, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(list))
	}
	if !list[0].CreatedAt.After(list[1].CreatedAt) && !list[0].CreatedAt.Equal(list[1].CreatedAt) {
		t.Error("Expected newest first")
	}

	c.advance(time.Hour)
	deleted, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Expected 3 expired sessions removed, got %d", deleted)
	}

	list, _ = m.List(ctx, "user-2", 0, 0)
	if len(list) != 1 {
		t.Errorf("Live session should survive cleanup, got %d", len(list))
	}
}
