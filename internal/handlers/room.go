package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/roomsync/internal/api/middleware"
	"github.com/eldtechnologies/roomsync/internal/models"
	"github.com/eldtechnologies/roomsync/internal/store"
)

// CreateRoomRequest represents the room creation request.
type CreateRoomRequest struct {
	Name      string   `json:"name"`
	IsPrivate bool     `json:"isPrivate"`
	Members   []string `json:"members,omitempty"`
}

// RenameRoomRequest represents the room rename request.
type RenameRoomRequest struct {
	Name string `json:"name"`
}

// ListRooms returns up to 200 rooms, newest first.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.ListRooms(r.Context(), store.MaxRoomList)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	h.JSON(w, http.StatusOK, rooms)
}

// CreateRoom handles room creation. Members default to the creator.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name := sanitizeName(req.Name)
	if name == "" {
		h.Error(w, http.StatusBadRequest, "room name is required")
		return
	}

	members := make([]string, 0, len(req.Members))
	for _, m := range req.Members {
		if m = sanitizeName(m); m != "" {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		members = []string{userID}
	}

	room, err := h.rooms.CreateRoom(r.Context(), name, req.IsPrivate, members, userID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	h.logger.Info().
		Str("room_id", room.ID.String()).
		Str("user_id", userID).
		Bool("private", room.IsPrivate).
		Msg("room created")

	h.JSON(w, http.StatusCreated, room)
}

// RenameRoom changes a room's name. Only the creator or a member may rename.
func (h *Handler) RenameRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.managedRoom(w, r)
	if !ok {
		return
	}

	var req RenameRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name := sanitizeName(req.Name)
	if name == "" {
		h.Error(w, http.StatusBadRequest, "name cannot be empty")
		return
	}

	updated, err := h.rooms.RenameRoom(r.Context(), room.ID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "room not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, updated)
}

// DeleteRoom removes a room. Only the creator or a member may delete.
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.managedRoom(w, r)
	if !ok {
		return
	}

	if err := h.rooms.DeleteRoom(r.Context(), room.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "room not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"message": "room deleted"})
}

// managedRoom loads the room in the URL and checks that the caller may
// manage it. It writes the error response itself.
func (h *Handler) managedRoom(w http.ResponseWriter, r *http.Request) (*models.Room, bool) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return nil, false
	}

	room, err := h.rooms.GetRoom(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil, false
	}
	if room == nil {
		h.Error(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	if !room.CanManage(userID) {
		h.Error(w, http.StatusForbidden, "not authorized to manage this room")
		return nil, false
	}
	return room, true
}
