package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/services/session"
	"go.uber.org/zap"
)

// SessionHeader carries the upload session id
const SessionHeader = "X-OCR-Session"

// SessionReserver claims a session for a single upload
type SessionReserver interface {
	Reserve(ctx context.Context, sessionID string) (*models.OCRSession, error)
}

// UploadSession admits a request only with a verified, unused, unexpired
// session, reserving it so a concurrent upload with the same session is
// refused. The session id comes from the X-OCR-Session header or the
// sessionId query parameter.
func UploadSession(v SessionReserver, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(SessionHeader)
			if id == "" {
				id = r.URL.Query().Get("sessionId")
			}
			if id == "" {
				writeError(w, http.StatusBadRequest, "Session ID required")
				return
			}

			sess, err := v.Reserve(r.Context(), id)
			if err != nil {
				status := SessionErrorStatus(err)
				if status == http.StatusInternalServerError {
					log.Errorw("❌ session validation failed", "session_id", id, "err", err)
					writeError(w, status, "Session validation failed")
					return
				}
				writeError(w, status, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom returns the session admitted by UploadSession
func SessionFrom(ctx context.Context) (*models.OCRSession, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*models.OCRSession)
	return sess, ok
}

// SessionErrorStatus maps session errors to HTTP status codes
func SessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, session.ErrSessionNotVerified):
		return http.StatusForbidden
	case errors.Is(err, session.ErrSessionAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
