package authapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/auth/session"
	"bazaar/cmd/security/password"
)

// AdminKeyHeader carries the trusted-admin key.
const AdminKeyHeader = "X-Admin-Key"

// Session verification outcomes reported to the Observer.
const (
	OutcomeValid   = "valid"
	OutcomeMissing = "missing"
	OutcomeInvalid = "invalid"
	OutcomeConfig  = "config_missing"
)

// Observer receives auth outcomes. Implemented by the app's metrics.
type Observer interface {
	SessionVerified(outcome string)
	Login(kind, outcome string)
}

type nopObserver struct{}

func (nopObserver) SessionVerified(string) {}
func (nopObserver) Login(string, string)   {}

// Handler wires HTTP auth endpoints to the identity store and session codec.
type Handler struct {
	log       *slog.Logger
	cfg       Config
	users     identity.Store
	passwords *password.Verifier
	sessions  *session.Codec
	throttle  *loginThrottle
	obs       Observer
	now       func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithObserver attaches metrics.
func WithObserver(o Observer) HandlerOption {
	return func(h *Handler) {
		if o != nil {
			h.obs = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, passwords *password.Verifier, sessions *session.Codec, opts ...HandlerOption) (*Handler, error) {
	if users == nil || passwords == nil || sessions == nil {
		return nil, errors.New("authapi.NewHandler: missing dependency")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.normalized()
	h := &Handler{
		log:       log,
		cfg:       cfg,
		users:     users,
		passwords: passwords,
		sessions:  sessions,
		throttle:  newLoginThrottle(cfg),
		obs:       nopObserver{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires auth routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", h.handleLogin)
	mux.HandleFunc("POST /session/admin", h.handleAdminLogin)
	mux.Handle("POST /session/logout", h.withSession(http.HandlerFunc(h.handleLogout)))
	mux.Handle("GET /me", h.RequireSession(http.HandlerFunc(h.handleMe)))
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, errInvalidJSON)
		return
	}
	ref, ok := loginRef(req.Username, req.Email)
	if !ok || req.Password == "" {
		writeError(w, errMissingCredentials)
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := ipKey(clientIP(r, h.cfg.TrustProxy))

	if blocked, retry := h.throttle.check(ip, ref.Value, now); blocked {
		h.log.Info("auth.login.throttled", "ip", ip, "identifier", ref.String(), "retry_after", retry)
		h.obs.Login("password", "throttled")
		writeRateLimited(w, retry)
		return
	}

	u, err := h.users.UserByRef(ctx, ref)
	if err != nil && !identity.IsNotFound(err) {
		h.log.Error("auth.login.lookup.fail", "err", err)
		h.obs.Login("password", "error")
		writeError(w, errBusy)
		return
	}

	// Unknown users still pay for one hash verification.
	if !h.passwords.Check(u.PasswordHash, req.Password) {
		h.throttle.fail(ip, ref.Value, now)
		h.log.Info("auth.login.failed", "ip", ip, "identifier", ref.String())
		h.obs.Login("password", "failed")
		writeError(w, errInvalidCredentials)
		return
	}
	h.throttle.succeed(ref.Value)

	if h.passwords.Config().NeedsRehash(u.PasswordHash) {
		h.log.Info("auth.login.rehash_needed", "user_id", u.ID)
	}

	h.issue(w, u, "password", now)
}

func (h *Handler) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if !h.adminKeyValid(r.Header.Get(AdminKeyHeader)) {
		h.log.Info("auth.admin.reject", "ip", ipKey(clientIP(r, h.cfg.TrustProxy)))
		h.obs.Login("admin", "failed")
		writeError(w, errUnauthenticated)
		return
	}

	var req adminLoginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, errInvalidJSON)
		return
	}
	ref, ok := loginRef(req.Username, req.Email)
	if !ok {
		writeError(w, errMissingRef)
		return
	}

	u, err := h.users.UserByRef(r.Context(), ref)
	if err != nil && !identity.IsNotFound(err) {
		h.log.Error("auth.admin.lookup.fail", "err", err)
		h.obs.Login("admin", "error")
		writeError(w, errBusy)
		return
	}
	if err != nil || !u.Role.IsAdmin() {
		h.log.Info("auth.admin.forbidden", "identifier", ref.String())
		h.obs.Login("admin", "forbidden")
		writeError(w, errForbidden)
		return
	}

	h.issue(w, u, "admin", h.now())
}

func (h *Handler) issue(w http.ResponseWriter, u identity.User, kind string, now time.Time) {
	id := session.IdentityOf(u)
	_, cookie, err := h.sessions.Build(id, 0, now)
	if err != nil {
		if errors.Is(err, session.ErrConfigMissing) {
			h.log.Error("auth.session.config_missing", "err", err)
			h.obs.Login(kind, "error")
			writeError(w, errConfigMissing)
			return
		}
		h.log.Error("auth.session.issue.fail", "err", err, "user_id", u.ID)
		h.obs.Login(kind, "error")
		writeError(w, errInternal)
		return
	}

	h.log.Info("auth.login.success", "user_id", u.ID, "role", u.Role.String(), "kind", kind)
	h.obs.Login(kind, "success")

	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:      toUserResponse(id),
		ExpiresAt: cookie.Expires,
	})
}

// handleLogout always clears the cookie; a valid session is only logged.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if claims, ok := session.ClaimsFromContext(r.Context()); ok {
		h.log.Info("auth.logout", "user_id", claims.SubjectID)
	}
	http.SetCookie(w, h.sessions.Logout())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := session.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		User:      toUserResponse(claims.Identity),
		ExpiresAt: time.Unix(claims.ExpiresAt, 0).UTC(),
	})
}

// ---- middleware ----

// RequireSession rejects requests without a valid session cookie and puts the
// verified claims on the request context.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.verify(r)
		if err != nil {
			if errors.Is(err, session.ErrConfigMissing) {
				writeError(w, errConfigMissing)
				return
			}
			writeError(w, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithClaims(r.Context(), claims)))
	})
}

// withSession attaches verified claims when present and passes every request on.
// Handlers decide for themselves how to treat anonymous callers.
func (h *Handler) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, err := h.verify(r); err == nil {
			r = r.WithContext(session.WithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) verify(r *http.Request) (session.Claims, error) {
	if _, err := r.Cookie(h.sessions.CookieName()); err != nil {
		h.obs.SessionVerified(OutcomeMissing)
		return session.Claims{}, session.ErrInvalidToken
	}
	claims, err := h.sessions.FromRequest(r, h.now())
	switch {
	case err == nil:
		h.obs.SessionVerified(OutcomeValid)
	case errors.Is(err, session.ErrConfigMissing):
		h.log.Error("auth.session.config_missing", "err", err)
		h.obs.SessionVerified(OutcomeConfig)
	default:
		h.obs.SessionVerified(OutcomeInvalid)
	}
	return claims, err
}

// ---- helpers ----

func (h *Handler) adminKeyValid(got string) bool {
	if h.cfg.AdminKey == nil {
		return false
	}
	want := h.cfg.AdminKey()
	got = strings.TrimSpace(got)
	if len(want) == 0 || got == "" {
		return false
	}
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256(want)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// loginRef builds the lookup reference from exactly one of username or email.
// The field chosen decides the kind, so an all-digit username stays a username.
func loginRef(username, email *string) (identity.Ref, bool) {
	u, e := trimPtr(username), trimPtr(email)
	switch {
	case u != "" && e == "":
		if strings.Contains(u, "@") {
			return identity.Ref{}, false
		}
		return identity.Ref{Kind: identity.RefUsername, Value: identity.NormalizeUsername(u)}, true
	case e != "" && u == "":
		if !strings.Contains(e, "@") {
			return identity.Ref{}, false
		}
		return identity.Ref{Kind: identity.RefEmail, Value: identity.NormalizeEmail(e)}, true
	default:
		return identity.Ref{}, false
	}
}

func trimPtr(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for p := range strings.SplitSeq(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
