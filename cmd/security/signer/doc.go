// Package signer provides the keyed-HMAC primitive shared by Bazaar's token families.
//
// A Signer is stateless with respect to callers: signatures are a pure function of
// (purpose, payload, secret). The HMAC key is derived from the secret with HKDF-SHA256
// using the purpose as the info label, so two token families never share a key even if
// they were misconfigured with the same secret.
//
// Fail-closed: an empty secret is never used. Sign returns ErrUnavailable and Verify
// reports false.
package signer
