package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/orthodoxmetrics/recordsgo/internal/database"
	"github.com/orthodoxmetrics/recordsgo/internal/middleware"
	"github.com/orthodoxmetrics/recordsgo/internal/services/printer"
	"github.com/orthodoxmetrics/recordsgo/internal/services/session"
)

// VerifyRequest is the body of POST /api/ocr/session/verify
type VerifyRequest struct {
	SessionID string `json:"sessionId"`
	PIN       string `json:"pin"`
}

type sessionResponse struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId"`
	PIN        string `json:"pin"`
	ChurchID   string `json:"churchId"`
	RecordType string `json:"recordType"`
	VerifyURL  string `json:"verifyUrl"`
	QRCode     string `json:"qrCode"`
	ExpiresAt  string `json:"expiresAt"`
}

// createSession issues a new upload session for the caller
func (r *Router) createSession(w http.ResponseWriter, req *http.Request) {
	issued, ok := r.issueSession(w, req)
	if !ok {
		return
	}

	respondJSON(w, http.StatusCreated, sessionResponse{
		Success:    true,
		SessionID:  issued.Session.SessionID,
		PIN:        issued.PIN,
		ChurchID:   issued.Session.ChurchID,
		RecordType: string(issued.Session.RecordType),
		VerifyURL:  issued.VerifyURL,
		QRCode:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(issued.QRCode),
		ExpiresAt:  issued.Session.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// createSessionSlip issues a session and returns it as a printable PDF
func (r *Router) createSessionSlip(w http.ResponseWriter, req *http.Request) {
	issued, ok := r.issueSession(w, req)
	if !ok {
		return
	}

	church, err := r.Tenants.Church(req.Context(), issued.Session.ChurchID)
	if err != nil {
		church.Name = issued.Session.ChurchID
	}

	pdf, err := printer.GenerateSessionSlip(printer.SlipData{
		ChurchName: church.Name,
		RecordType: string(issued.Session.RecordType),
		SessionID:  issued.Session.SessionID,
		PIN:        issued.PIN,
		VerifyURL:  issued.VerifyURL,
		ExpiresAt:  issued.Session.ExpiresAt,
		QRCode:     issued.QRCode,
	})
	if err != nil {
		r.Log.Errorw("❌ slip generation failed", "session_id", issued.Session.SessionID, "err", err)
		respondError(w, http.StatusInternalServerError, "Failed to generate slip")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=ocr-session-%s.pdf", issued.Session.SessionID[:8]))
	w.Header().Set("X-OCR-Session", issued.Session.SessionID)
	w.WriteHeader(http.StatusCreated)
	w.Write(pdf)
}

func (r *Router) issueSession(w http.ResponseWriter, req *http.Request) (*session.Issued, bool) {
	id, _ := middleware.IdentityFrom(req.Context())

	var opts session.CreateOptions
	if err := json.NewDecoder(req.Body).Decode(&opts); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return nil, false
	}
	if opts.UserEmail == "" {
		opts.UserEmail = id.Email
	}

	if opts.ChurchID != "" {
		if _, err := r.Tenants.Church(req.Context(), opts.ChurchID); err != nil {
			if errors.Is(err, database.ErrTenantNotFound) {
				respondError(w, http.StatusNotFound, "Church not found")
				return nil, false
			}
			r.Log.Errorw("❌ church lookup failed", "church_id", opts.ChurchID, "err", err)
			respondError(w, http.StatusServiceUnavailable, "Church registry unavailable")
			return nil, false
		}
	}

	issued, err := r.Sessions.Create(req.Context(), id.ID, opts)
	if err != nil {
		r.respondSessionError(w, err)
		return nil, false
	}
	return issued, true
}

// verifySession checks the PIN typed on the scanning device
func (r *Router) verifySession(w http.ResponseWriter, req *http.Request) {
	var body VerifyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.SessionID == "" || body.PIN == "" {
		respondError(w, http.StatusBadRequest, "Session ID and PIN required")
		return
	}

	verified, err := r.Sessions.Verify(req.Context(), body.SessionID, body.PIN)
	if err != nil {
		r.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"verified":  verified,
		"sessionId": body.SessionID,
	})
}

// validateUpload is the target of the session barcode
func (r *Router) validateUpload(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	id, pin := q.Get("id"), q.Get("pin")
	if id == "" || pin == "" {
		respondError(w, http.StatusBadRequest, "Session ID and PIN required")
		return
	}

	if _, err := r.Sessions.Verify(req.Context(), id, pin); err != nil {
		r.respondSessionError(w, err)
		return
	}
	info, err := r.Sessions.Status(req.Context(), id)
	if err != nil {
		r.respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"valid":      true,
		"sessionId":  info.SessionID,
		"churchId":   info.ChurchID,
		"recordType": info.RecordType,
		"expiresAt":  info.ExpiresAt,
		"uploadUrl":  "/api/ocr/secure/upload?sessionId=" + info.SessionID,
	})
}

// sessionStatus lets the desktop poll for the phone's progress
func (r *Router) sessionStatus(w http.ResponseWriter, req *http.Request) {
	info, err := r.Sessions.Status(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// listSessions returns the caller's sessions
func (r *Router) listSessions(w http.ResponseWriter, req *http.Request) {
	id, _ := middleware.IdentityFrom(req.Context())
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))

	sessions, err := r.Sessions.List(req.Context(), id.ID, limit, offset)
	if err != nil {
		r.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": sessions,
	})
}

// cleanupSessions deletes expired sessions
func (r *Router) cleanupSessions(w http.ResponseWriter, req *http.Request) {
	deleted, err := r.Sessions.CleanupExpired(req.Context())
	if err != nil {
		r.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": deleted,
	})
}

func (r *Router) respondSessionError(w http.ResponseWriter, err error) {
	status := middleware.SessionErrorStatus(err)
	if status == http.StatusInternalServerError {
		r.Log.Errorw("❌ session operation failed", "err", err)
		respondError(w, status, "Internal server error")
		return
	}
	respondError(w, status, err.Error())
}
