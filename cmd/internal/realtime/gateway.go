package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bazaar/cmd/internal/auth/session"
	"bazaar/cmd/internal/capability"
)

// Upgrade outcomes reported to the Observer.
const (
	OutcomeForwarded   = "forwarded"
	OutcomeBadUpgrade  = "bad_upgrade"
	OutcomeBadOrigin   = "bad_origin"
	OutcomeUnauthed    = "unauthenticated"
	OutcomeResolveFail = "resolve_failed"
	OutcomeConfig      = "config_missing"
)

// Observer receives gateway outcomes. Implemented by the app's metrics.
type Observer interface {
	Upgrade(outcome string)
	CapabilityMinted(role string)
}

type nopObserver struct{}

func (nopObserver) Upgrade(string)          {}
func (nopObserver) CapabilityMinted(string) {}

// Resolve is the room resolution step used by the gateway.
type Resolve interface {
	Resolve(ctx context.Context, caller session.Identity, conversationID string) (string, error)
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// PublicOrigin is the origin browsers load the app from. Empty means the
	// origin the request was served under.
	PublicOrigin string

	// LoginPath is where browsers are sent when the session is missing.
	LoginPath string
}

// GatewayOption configures optional Gateway behavior.
type GatewayOption func(*Gateway)

// WithGatewayObserver attaches metrics.
func WithGatewayObserver(o Observer) GatewayOption {
	return func(g *Gateway) {
		if o != nil {
			g.obs = o
		}
	}
}

// WithGatewayClock overrides time.Now.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway authorizes realtime upgrades and hands them to a room.
type Gateway struct {
	log        *slog.Logger
	origin     string
	loginPath  string
	sessions   *session.Codec
	resolver   Resolve
	minter     *capability.Minter
	dispatcher Dispatcher
	obs        Observer
	now        func() time.Time
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, cfg GatewayConfig, sessions *session.Codec, resolver Resolve, minter *capability.Minter, dispatcher Dispatcher, opts ...GatewayOption) (*Gateway, error) {
	if sessions == nil || resolver == nil || minter == nil || dispatcher == nil {
		return nil, errors.New("realtime.NewGateway: missing dependency")
	}
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		log:        log,
		loginPath:  strings.TrimSpace(cfg.LoginPath),
		sessions:   sessions,
		resolver:   resolver,
		minter:     minter,
		dispatcher: dispatcher,
		obs:        nopObserver{},
		now:        time.Now,
	}
	if o := strings.TrimSpace(cfg.PublicOrigin); o != "" {
		canon, ok := CanonicalOrigin(o)
		if !ok {
			return nil, fmt.Errorf("realtime.NewGateway: invalid public origin %q", o)
		}
		g.origin = canon
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		g.log.Info("ws.reject.upgrade", "method", r.Method, "remote", r.RemoteAddr)
		g.obs.Upgrade(OutcomeBadUpgrade)
		writeError(w, http.StatusBadRequest, "bad_upgrade", "websocket upgrade required")
		return
	}
	if err := g.checkOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.obs.Upgrade(OutcomeBadOrigin)
		writeError(w, http.StatusBadRequest, "bad_upgrade", "origin not allowed")
		return
	}

	now := g.now()
	claims, err := g.sessions.FromRequest(r, now)
	if err != nil {
		if errors.Is(err, session.ErrConfigMissing) {
			g.log.Error("ws.reject.config", "err", err)
			g.obs.Upgrade(OutcomeConfig)
			writeError(w, http.StatusInternalServerError, "config_missing", "server misconfigured")
			return
		}
		g.obs.Upgrade(OutcomeUnauthed)
		g.unauthenticated(w, r)
		return
	}

	room, err := g.resolver.Resolve(r.Context(), claims.Identity, r.URL.Query().Get("conversationId"))
	if err != nil {
		g.obs.Upgrade(OutcomeResolveFail)
		var re *ResolveError
		if !errors.As(err, &re) {
			re = &ResolveError{Kind: KindStoreUnavailable, Err: err}
		}
		lvl := slog.LevelInfo
		if re.Kind == KindStoreUnavailable {
			lvl = slog.LevelWarn
		}
		g.log.Log(r.Context(), lvl, "ws.reject.resolve",
			"kind", re.Kind.String(),
			"conversation_id", re.ConversationID,
			"user_id", claims.SubjectID,
			"err", re.Err,
		)
		writeError(w, re.Status(), re.PublicCode(), http.StatusText(re.Status()))
		return
	}

	tok, _, err := g.minter.Mint(claims.SubjectID, room, claims.Role, now)
	if err != nil {
		g.log.Error("ws.capability.fail", "err", err, "room", room)
		g.obs.Upgrade(OutcomeConfig)
		writeError(w, http.StatusInternalServerError, "config_missing", "server misconfigured")
		return
	}
	g.obs.CapabilityMinted(claims.Role.String())
	g.obs.Upgrade(OutcomeForwarded)

	g.log.Debug("ws.forward", "room", room, "user_id", claims.SubjectID, "role", claims.Role.String())
	g.dispatcher.Dispatch(w, ForwardRequest(r, room, tok), room)
}

func (g *Gateway) checkOrigin(r *http.Request) error {
	got, ok := CanonicalOrigin(r.Header.Get("Origin"))
	if !ok {
		return errors.New("missing or malformed origin")
	}
	want := g.origin
	if want == "" {
		if want, ok = requestOrigin(r); !ok {
			return errors.New("cannot determine serving origin")
		}
	}
	if got != want {
		return fmt.Errorf("origin %s does not match %s", got, want)
	}
	return nil
}

func (g *Gateway) unauthenticated(w http.ResponseWriter, r *http.Request) {
	if g.loginPath != "" && strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, g.loginPath, http.StatusFound)
		return
	}
	writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
}

// ForwardRequest clones r for the room process: the path names room, the
// capability is the only query parameter and the session cookie is dropped.
func ForwardRequest(r *http.Request, room, capabilityToken string) *http.Request {
	out := r.Clone(r.Context())
	out.URL.Path = RoomPath(room)
	out.URL.RawPath = ""
	out.URL.RawQuery = url.Values{"token": {capabilityToken}}.Encode()
	out.RequestURI = out.URL.RequestURI()
	out.Header.Del("Cookie")
	return out
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	})
}
