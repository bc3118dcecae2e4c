package identity

import (
	"errors"
	"strings"
)

// Error kinds. Handlers map these to status codes with errors.Is.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// Error is returned by every store and parser in this package.
// Field names the offending column for conflicts; Msg never carries secrets.
type Error struct {
	Op    string
	Kind  error
	Field string
	Msg   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	for _, s := range []string{e.Field, e.Msg} {
		if s != "" {
			b.WriteString(": ")
			b.WriteString(s)
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func invalid(op, msg string) error { return &Error{Op: op, Kind: ErrInvalidInput, Msg: msg} }

func conflict(op, field string) error { return &Error{Op: op, Kind: ErrConflict, Field: field} }

func notFound(op string) error { return &Error{Op: op, Kind: ErrNotFound, Msg: "no such user"} }

func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// ConflictField returns the column behind a conflict, or "".
func ConflictField(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrConflict {
		return e.Field
	}
	return ""
}
