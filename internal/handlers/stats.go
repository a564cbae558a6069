package handlers

import (
	"net/http"
)

// StatsResponse summarises the realtime layer.
type StatsResponse struct {
	Sessions    int `json:"sessions"`
	OnlineUsers int `json:"onlineUsers"`
	LiveRooms   int `json:"liveRooms"`
}

// Stats returns live connection counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if h.hub != nil {
		resp.Sessions = h.hub.SessionCount()
		resp.OnlineUsers = len(h.hub.Presence().Users())
		resp.LiveRooms = h.hub.Registry().RoomCount()
	}
	h.JSON(w, http.StatusOK, resp)
}
