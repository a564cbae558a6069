package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Room represents a chat room. Members is the persisted membership; live
// subscriptions are tracked separately by the realtime hub.
type Room struct {
	ID        uuid.UUID `json:"_id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"isPrivate"`
	Members   []string  `json:"members"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// CanManage reports whether userID may rename or delete the room.
func (r *Room) CanManage(userID string) bool {
	if userID == "" {
		return false
	}
	return r.CreatedBy == userID || slices.Contains(r.Members, userID)
}

// CanJoin reports whether userID may subscribe to the room's live stream.
func (r *Room) CanJoin(userID string) bool {
	if !r.IsPrivate {
		return true
	}
	return r.CanManage(userID)
}
