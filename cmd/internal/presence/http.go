package presence

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/auth/session"
)

// Handler serves the presence HTTP surface. Routes must be wrapped in middleware
// that places verified session claims on the request context.
type Handler struct {
	log     *slog.Logger
	svc     *Service
	tracker *Tracker
	now     func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(log *slog.Logger, svc *Service, tracker *Tracker) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, tracker: tracker, now: time.Now}
}

type statusResponse struct {
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
	Unread   int64  `json:"unread"`
	ETag     string `json:"etag,omitempty"`
}

// ServeStatus handles GET /presence?user=<ref>. Without ?user the caller's own
// status is returned. Unread count and fingerprint always describe the caller.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := session.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("user"))
	ref := identity.RefForID(claims.SubjectID)
	if raw != "" {
		parsed, err := identity.ParseRef(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user", "invalid user reference")
			return
		}
		ref = parsed
	}

	now := h.now()
	st := h.svc.Status(r.Context(), ref, now)

	resp := statusResponse{Online: st.Online}
	if !st.LastSeen.IsZero() {
		resp.LastSeen = st.LastSeen.UnixMilli()
	}

	fp, stats, err := h.svc.Fingerprint(r.Context(), claims.SubjectID)
	if err != nil {
		// Advisory data: answer without a validator rather than fail.
		h.log.Warn("presence.fingerprint.fail", "user_id", claims.SubjectID, "err", err)
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, resp)
		return
	}

	etag := ETag(fp, ref, st)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("Vary", "Cookie")

	if Matches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	resp.Unread = stats.Unread
	resp.ETag = etag
	writeJSON(w, http.StatusOK, resp)
}

// ServePing handles POST /presence/ping for clients without a realtime connection.
func (h *Handler) ServePing(w http.ResponseWriter, r *http.Request) {
	claims, ok := session.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	ref := identity.RefForID(claims.SubjectID)
	now := h.now()
	if h.tracker != nil {
		h.tracker.Ping(r.Context(), ref, now)
	} else {
		h.svc.RecordPing(ref, now)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	})
}
