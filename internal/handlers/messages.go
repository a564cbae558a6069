package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomsync/internal/api/middleware"
	"github.com/eldtechnologies/roomsync/internal/store"
)

// EditMessageRequest represents the message edit request.
type EditMessageRequest struct {
	Text string `json:"text"`
}

// GetRoomMessages returns a page of history, oldest first. "before" accepts
// an RFC 3339 timestamp or unix milliseconds; "limit" defaults to 50 and is
// capped at 200.
func (h *Handler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())

	limit := store.DefaultPageSize
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > store.MaxPageSize {
		limit = store.MaxPageSize
	}

	before, ok := parseBefore(r.URL.Query().Get("before"))
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid before timestamp")
		return
	}

	messages, err := h.chat.History(r.Context(), chi.URLParam(r, "roomId"), userID, before, limit)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, messages)
}

// EditMessage replaces the text of the caller's own message.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.chat.Edit(r.Context(), chi.URLParam(r, "id"), middleware.GetUserFromContext(r.Context()), req.Text)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// DeleteMessage soft-deletes the caller's own message.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if _, err := h.chat.Delete(r.Context(), chi.URLParam(r, "id"), middleware.GetUserFromContext(r.Context())); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func parseBefore(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
