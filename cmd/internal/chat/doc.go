// Package chat is the read side of the marketplace conversation store.
//
// Bazaar's realtime layer only needs two things from it: a conversation's type and
// participants (to route admins into a user's support room) and a per-user aggregate
// over all conversations (to fingerprint "has anything changed" for presence polling).
// Message storage lives elsewhere.
package chat
