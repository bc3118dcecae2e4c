package realtime

import (
	"net/url"

	"bazaar/cmd/identity"
)

// RoomPrefix prefixes every support room name.
const RoomPrefix = "support:"

// RoomFor returns the support room owned by userID.
func RoomFor(userID string) string {
	return RoomPrefix + identity.NormalizeUserID(userID)
}

// RoomPath is the room-process path for room.
func RoomPath(room string) string {
	return "/rooms/" + url.PathEscape(room) + "/ws"
}
