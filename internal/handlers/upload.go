package handlers

import (
	"errors"
	"net/http"

	"github.com/eldtechnologies/roomsync/internal/api/middleware"
	"github.com/eldtechnologies/roomsync/internal/upload"
)

// Upload stores a multipart "file" field and returns its attachment
// descriptor.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if h.uploads == nil {
		h.Error(w, http.StatusServiceUnavailable, "uploads disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.uploads.MaxBytes()+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "no file")
		return
	}
	defer file.Close()

	att, err := h.uploads.Save(header.Filename, file, requestBaseURL(r))
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		h.Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	case errors.Is(err, upload.ErrEmpty):
		h.Error(w, http.StatusBadRequest, "empty file")
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("upload failed")
		h.Error(w, http.StatusInternalServerError, "upload failed")
		return
	}

	h.logger.Info().
		Str("user_id", userID).
		Str("file", att.FileName).
		Int64("size", att.Size).
		Msg("file uploaded")

	h.JSON(w, http.StatusOK, att)
}

// requestBaseURL returns scheme://host as seen by the client.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
