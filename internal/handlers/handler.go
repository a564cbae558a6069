package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/realtime"
	"github.com/eldtechnologies/roomsync/internal/store"
	"github.com/eldtechnologies/roomsync/internal/upload"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	rooms    store.RoomStore
	messages store.MessageStore
	chat     *chat.Service
	uploads  *upload.Disk
	hub      *realtime.Hub
	logger   zerolog.Logger
}

// Deps groups the collaborators of the HTTP handlers. Uploads and Hub may be
// nil.
type Deps struct {
	Rooms    store.RoomStore
	Messages store.MessageStore
	Chat     *chat.Service
	Uploads  *upload.Disk
	Hub      *realtime.Hub
	Logger   zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		rooms:    d.Rooms,
		messages: d.Messages,
		chat:     d.Chat,
		uploads:  d.Uploads,
		hub:      d.Hub,
		logger:   d.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ServiceError maps a chat service error to an HTTP response.
func (h *Handler) ServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		h.Error(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, chat.ErrNotAuthorized):
		h.Error(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, chat.ErrNotFound):
		h.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrValidation):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrTransient):
		h.logger.Error().Err(err).Msg("store failure")
		h.Error(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.logger.Error().Err(err).Msg("unexpected error")
		h.Error(w, http.StatusInternalServerError, "server error")
	}
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	// Limit to 100 characters
	if runes := []rune(name); len(runes) > 100 {
		name = string(runes[:100])
	}

	return name
}
