package domain

import "strings"

type RoomID string

func NormalizeRoomID(raw string) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}

// Room is a snapshot of one room. Members are in join order.
type Room struct {
	ID      RoomID   `json:"id"`
	Members []Member `json:"members"`
}

func (r Room) Others(self ConnectionID) []Member {
	out := make([]Member, 0, len(r.Members))
	for _, m := range r.Members {
		if m.ID != self {
			out = append(out, m)
		}
	}
	return out
}
