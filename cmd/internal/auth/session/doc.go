// Package session implements Bazaar's stateless session tokens.
//
// A session token is the sole proof of authentication: signed claims carrying the
// caller's identity and an absolute expiry, delivered as an HttpOnly cookie whose
// lifetime matches the token exactly. There is no server-side session table and no
// revocation list; Logout only instructs the browser to drop the cookie, so a stolen
// token stays usable until it expires. TTL is the only bound on that window.
package session
