// Package ids mints the sortable identifiers Bazaar uses for requests and realtime connections.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewULIDOrTime returns a ULID, or a timestamp-derived fallback when entropy is unavailable.
// Used where an id is only a log correlation handle.
func NewULIDOrTime(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return "t" + now.UTC().Format("20060102T150405.000000000")
	}
	return id
}
