package handlers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/orthodoxmetrics/recordsgo/internal/middleware"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/storage"
)

var allowedUploadTypes = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".pdf":  true,
}

// secureUpload stores one scan for an admitted session and queues it for OCR
func (r *Router) secureUpload(w http.ResponseWriter, req *http.Request) {
	sess, ok := middleware.SessionFrom(req.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Session required")
		return
	}

	consumed := false
	defer func() {
		if !consumed {
			r.Sessions.Release(context.WithoutCancel(req.Context()), sess.SessionID)
		}
	}()

	maxBytes := r.Config.Session.MaxUploadBytes
	req.Body = http.MaxBytesReader(w, req.Body, maxBytes)
	if err := req.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, header, err := req.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "File is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedUploadTypes[ext] {
		respondError(w, http.StatusUnsupportedMediaType, "Unsupported file type")
		return
	}

	conns, err := r.Tenants.Resolve(req.Context(), sess.ChurchID)
	if err != nil {
		r.respondTransferError(w, err, nil)
		return
	}

	key := storage.ObjectKey(sess.ChurchID, string(sess.RecordType), header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := r.Store.Put(req.Context(), key, file, header.Size, contentType); err != nil {
		r.Log.Errorw("❌ scan upload failed", "session_id", sess.SessionID, "err", err)
		respondError(w, http.StatusBadGateway, "Failed to store file")
		return
	}

	language := req.FormValue("language")
	if language == "" {
		language = "en"
	}
	sessionID := sess.SessionID
	job := models.OCRJob{
		ChurchID:         sess.ChurchID,
		SessionID:        &sessionID,
		Filename:         filepath.Base(key),
		OriginalFilename: header.Filename,
		StorageKey:       key,
		RecordType:       sess.RecordType,
		Language:         language,
		Status:           models.JobStatusPending,
	}
	if err := conns.OCR.WithContext(req.Context()).Create(&job).Error; err != nil {
		r.Log.Errorw("❌ could not queue OCR job", "church_id", sess.ChurchID, "err", err)
		if delErr := r.Store.Delete(context.WithoutCancel(req.Context()), key); delErr != nil {
			r.Log.Warnw("orphaned scan left in storage", "key", key, "err", delErr)
		}
		respondError(w, http.StatusInternalServerError, "Failed to queue OCR job")
		return
	}

	r.Sessions.MarkUsed(req.Context(), sess.SessionID)
	consumed = true

	r.Log.Infow("📤 scan uploaded", "church_id", sess.ChurchID, "job_id", job.ID, "session_id", sess.SessionID)
	r.publish(sess.ChurchID, "ocr.uploaded", map[string]interface{}{
		"jobId":      job.ID,
		"recordType": job.RecordType,
		"sessionId":  sess.SessionID,
	})

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"jobId":   job.ID,
		"status":  job.Status,
	})
}
