package identity

import (
	"strings"
	"unicode"
)

const maxRefLen = 254

// NormalizeUsername performs case-insensitive canonicalization.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeUserID canonicalizes a user id: numeric ids lose leading zeros,
// anything else is trimmed and lower-cased.
func NormalizeUserID(s string) string {
	s = strings.TrimSpace(s)
	if isDigits(s) {
		s = strings.TrimLeft(s, "0")
		if s == "" {
			return "0"
		}
		return s
	}
	return strings.ToLower(s)
}

// RefKind tells which user attribute a Ref names.
type RefKind uint8

const (
	RefInvalid RefKind = iota
	RefID
	RefUsername
	RefEmail
)

func (k RefKind) String() string {
	switch k {
	case RefID:
		return "id"
	case RefUsername:
		return "username"
	case RefEmail:
		return "email"
	default:
		return "invalid"
	}
}

// Ref is a normalized user reference. Value is already canonical.
type Ref struct {
	Kind  RefKind
	Value string
}

// ParseRef accepts a numeric id, a username or an email and returns its canonical form.
// All-digit input is an id; input containing "@" is an email; anything else a username.
func ParseRef(raw string) (Ref, error) {
	const op = "identity.ParseRef"

	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Ref{}, invalid(op, "empty user reference")
	case len(s) > maxRefLen:
		return Ref{}, invalid(op, "user reference too long")
	case strings.IndexFunc(s, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0:
		return Ref{}, invalid(op, "user reference contains whitespace")
	}

	switch {
	case isDigits(s):
		return Ref{Kind: RefID, Value: NormalizeUserID(s)}, nil
	case strings.Contains(s, "@"):
		return Ref{Kind: RefEmail, Value: NormalizeEmail(s)}, nil
	default:
		return Ref{Kind: RefUsername, Value: NormalizeUsername(s)}, nil
	}
}

// RefForID returns the id reference for a stored user id.
func RefForID(id string) Ref {
	v := NormalizeUserID(id)
	if v == "" {
		return Ref{}
	}
	return Ref{Kind: RefID, Value: v}
}

// Key is the map key for in-memory indexes (presence, throttles). It keeps the
// kind, so the id "bob" and the username "bob" never share an entry.
func (r Ref) Key() string { return r.String() }

// IsZero reports whether r names nobody.
func (r Ref) IsZero() bool { return r.Kind == RefInvalid || r.Value == "" }

func (r Ref) String() string { return r.Kind.String() + ":" + r.Value }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
