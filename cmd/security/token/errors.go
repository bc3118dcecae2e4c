package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrInvalid covers malformed, forged and expired tokens alike.
	ErrInvalid = errors.New("token invalid")
)
