// Package room is the reference room process: it serves
// GET /rooms/{room}/ws?token=<capability>, admits a connection only when the
// capability is valid for that exact room, and relays bazaar.support.v1
// envelopes between everyone in the room.
//
// The room process never sees session cookies. Who may join which room is
// decided upstream and carried by the capability.
package room
