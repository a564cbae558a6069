package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// WhoResponse is the online marker of a user.
type WhoResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Who reports whether a user has an open realtime session.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		h.Error(w, http.StatusBadRequest, "user id is required")
		return
	}

	online := false
	if h.hub != nil {
		online = h.hub.Presence().Online(userID)
	}
	h.JSON(w, http.StatusOK, WhoResponse{UserID: userID, Online: online})
}

// OnlineResponse lists online users.
type OnlineResponse struct {
	Users []string `json:"users"`
}

// Online lists users with an open realtime session.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	users := []string{}
	if h.hub != nil {
		users = h.hub.Presence().Users()
	}
	h.JSON(w, http.StatusOK, OnlineResponse{Users: users})
}
