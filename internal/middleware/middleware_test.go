package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/services/session"
	"github.com/orthodoxmetrics/recordsgo/internal/utils"
	"go.uber.org/zap"
)

const testSecret = "test-secret-key-12345"

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuth(t *testing.T) {
	token, err := utils.GenerateToken(utils.Identity{ID: "u1", Role: "priest"}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	var seen utils.Identity
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("Expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
	if seen.ID != "u1" {
		t.Errorf("Identity not propagated: %+v", seen)
	}
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(http.HandlerFunc(okHandler))

	for role, want := range map[string]int{"admin": http.StatusOK, "priest": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithIdentity(req.Context(), utils.Identity{ID: "u", Role: role}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("role %s: expected %d, got %d", role, want, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("anonymous: expected 403, got %d", rec.Code)
	}
}

type stubReserver map[string]error

func (s stubReserver) Reserve(_ context.Context, id string) (*models.OCRSession, error) {
	if err, ok := s[id]; ok {
		return nil, err
	}
	return &models.OCRSession{SessionID: id, ChurchID: "stpaul"}, nil
}

func TestUploadSession(t *testing.T) {
	v := stubReserver{
		"missing": session.ErrSessionNotFound,
		"expired": session.ErrSessionExpired,
		"fresh":   session.ErrSessionNotVerified,
		"used":    session.ErrSessionAlreadyUsed,
		"broken":  fmt.Errorf("load session: %w", context.DeadlineExceeded),
	}

	var church string
	h := UploadSession(v, zap.NewNop().Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFrom(r.Context())
		church = sess.ChurchID
	}))

	cases := map[string]int{
		"":        http.StatusBadRequest,
		"missing": http.StatusNotFound,
		"expired": http.StatusGone,
		"fresh":   http.StatusForbidden,
		"used":    http.StatusConflict,
		"broken":  http.StatusInternalServerError,
		"good":    http.StatusOK,
	}
	for id, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		if id != "" {
			req.Header.Set(SessionHeader, id)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("%q: expected %d, got %d", id, want, rec.Code)
		}
	}
	if church != "stpaul" {
		t.Errorf("Session not propagated, church=%q", church)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload?sessionId=good", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("query parameter session: expected 200, got %d", rec.Code)
	}
}

func TestCaseInsensitiveMiddleware(t *testing.T) {
	var path, pin string
	h := CaseInsensitiveMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		pin = r.URL.Query().Get("PIN")
	}))

	req := httptest.NewRequest(http.MethodGet, "/API/OCR/VALIDATE-UPLOAD?PIN=AbC123", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if path != "/api/ocr/validate-upload" {
		t.Errorf("path = %q", path)
	}
	if pin != "AbC123" {
		t.Errorf("query must be untouched, got %q", pin)
	}
}
