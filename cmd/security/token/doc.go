// Package token provides the signed token wire codec shared by Bazaar's token families.
//
// Wire shape:
//
//	base64url(JSON claims) "." base64url(HMAC-SHA256 over the first segment)
//
// Both segments use unpadded URL-safe base64 in strict mode, so every distinct string
// decodes to distinct bytes and a single altered character never verifies.
//
// Design goals:
//   - One generic Codec[T] per token family; the purpose label separates keys.
//   - Signature is checked in constant time before the payload is decoded.
//   - Forged, malformed and expired tokens are the same ErrInvalid.
//   - Missing secret fails closed (signer.ErrUnavailable).
package token
