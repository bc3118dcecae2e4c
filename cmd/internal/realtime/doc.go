// Package realtime is the edge of Bazaar's support chat: it turns an authenticated
// HTTP upgrade request into a capability-bearing request addressed to exactly one
// room on the room process.
//
// Per request: cheap checks first (upgrade headers, same origin), then the session
// cookie, then room resolution (which may hit the conversation store for admins),
// then a 45s capability is minted and the request is forwarded with the cookie
// stripped and the capability as its only query parameter.
package realtime
