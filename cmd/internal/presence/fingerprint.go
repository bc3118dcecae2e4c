package presence

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/chat"
)

// ErrNoStats is returned by Fingerprint when no conversation store is wired.
var ErrNoStats = errors.New("presence: conversation stats unavailable")

// FingerprintOf hashes the aggregate fields, joined with "|", into a short tag.
func FingerprintOf(st chat.Stats) string {
	fields := []string{
		strconv.FormatInt(st.Conversations, 10),
		unixMilli(st.UpdatedAt),
		unixMilli(st.LastMessageAt),
		strconv.FormatInt(st.LastMessageID, 10),
		strconv.FormatInt(st.Unread, 10),
	}
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(fields, "|")), 36)
}

// ETag combines the caller's fingerprint with the answered status: the target
// reference, its last-seen instant and the online bit. Any of them changing
// invalidates cached responses.
func ETag(fingerprint string, target identity.Ref, st Status) string {
	bit := "0"
	if st.Online {
		bit = "1"
	}
	subject := strconv.FormatUint(xxhash.Sum64String(target.Key()+"|"+unixMilli(st.LastSeen)), 36)
	return `"` + fingerprint + "." + subject + "." + bit + `"`
}

// Matches reports whether an If-None-Match header value matches etag.
// Weak comparison applies: W/ prefixes are ignored. "*" matches anything.
func Matches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, part := range strings.Split(ifNoneMatch, ",") {
		tag := strings.TrimSpace(part)
		if tag == "*" {
			return true
		}
		if strings.TrimPrefix(tag, "W/") == want {
			return true
		}
	}
	return false
}

func unixMilli(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
