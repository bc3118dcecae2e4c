// Package identity is Bazaar's user-store boundary.
//
// It owns the canonical forms of user references (numeric id, username, email), the
// role vocabulary shared by session and capability tokens, and the persistence of the
// small user projection the auth and presence layers read: role, profile fields,
// password hash and last-activity timestamp.
package identity
