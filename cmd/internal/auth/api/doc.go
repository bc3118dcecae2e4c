// Package authapi serves Bazaar's session endpoints: credential login,
// trusted-admin login, logout and /me, plus the middleware that puts verified
// session claims on the request context for downstream handlers.
package authapi
