package authapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/auth/session"
	"bazaar/cmd/security/password"
	"bazaar/cmd/security/token"
)

const (
	alicePassword = "correct horse battery staple"
	adminKey      = "admin-key-admin-key-admin-key-32"
)

var fixedNow = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

type countingObserver struct {
	mu       sync.Mutex
	verified map[string]int
	logins   map[string]int
}

func (o *countingObserver) SessionVerified(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verified[outcome]++
}

func (o *countingObserver) Login(kind, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logins[kind+"/"+outcome]++
}

type fixture struct {
	h        *Handler
	mux      *http.ServeMux
	sessions *session.Codec
	obs      *countingObserver
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()

	pwCfg := password.DefaultConfig()
	pwCfg.Params.MemoryKiB = 8 * 1024
	pwCfg.Params.Iterations = 1
	pwCfg.Params.Parallelism = 1
	verifier, err := password.NewVerifier(pwCfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	hash, err := pwCfg.Hash(alicePassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	users := identity.NewMemoryStore()
	ctx := context.Background()
	for _, u := range []identity.User{
		{ID: "42", Role: identity.RoleUser, Username: "Alice", Email: "Alice@Example.com", DisplayName: "Alice", PasswordHash: hash},
		{ID: "7", Role: identity.RoleAdmin, Username: "root", Email: "admin@bazaar.test"},
		{ID: "9", Role: identity.RoleUser, Username: "1234", PasswordHash: hash},
	} {
		if _, err := users.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser(%s): %v", u.ID, err)
		}
	}

	sessCfg := session.DefaultConfig()
	sessCfg.Secret = token.StaticSecret([]byte("session-secret-session-secret-32b"))
	sessions, err := session.NewCodec(sessCfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	cfg := DefaultConfig()
	cfg.AdminKey = token.StaticSecret([]byte(adminKey))
	if mutate != nil {
		mutate(&cfg)
	}

	obs := &countingObserver{verified: map[string]int{}, logins: map[string]int{}}
	h, err := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, users, verifier, sessions,
		WithObserver(obs),
		WithClock(func() time.Time { return fixedNow }),
	)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	return fixture{h: h, mux: mux, sessions: sessions, obs: obs}
}

func (f fixture) do(r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, r)
	return rr
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == "bazaar_session" {
			return c
		}
	}
	t.Fatalf("no session cookie in %v", rr.Header().Values("Set-Cookie"))
	return nil
}

func errCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return body.Error.Code
}

func TestLogin_Success(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"username":           `{"username":"ALICE","password":"` + alicePassword + `"}`,
		"email":              `{"email":" alice@example.COM ","password":"` + alicePassword + `"}`,
		"all-digit username": `{"username":"1234","password":"` + alicePassword + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			rr := f.do(jsonRequest(http.MethodPost, "/session", body))
			if rr.Code != http.StatusOK {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}

			ck := sessionCookie(t, rr)
			if !ck.HttpOnly || !ck.Secure || ck.SameSite != http.SameSiteStrictMode || ck.Path != "/" {
				t.Fatalf("cookie attrs=%+v", ck)
			}
			if ck.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
				t.Fatalf("max-age=%d", ck.MaxAge)
			}

			claims, err := f.sessions.Verify(ck.Value, fixedNow)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			var resp sessionResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.User.ID != claims.SubjectID || resp.User.Role != "user" {
				t.Fatalf("resp=%+v claims=%+v", resp, claims)
			}
			if !resp.ExpiresAt.Equal(time.Unix(claims.ExpiresAt, 0)) {
				t.Fatalf("expires_at=%v exp=%d", resp.ExpiresAt, claims.ExpiresAt)
			}
		})
	}
}

func TestLogin_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "wrong password", body: `{"username":"alice","password":"nope"}`, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "unknown user", body: `{"username":"mallory","password":"nope"}`, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "no password hash", body: `{"username":"root","password":"anything"}`, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "both identifiers", body: `{"username":"alice","email":"alice@example.com","password":"x"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "email in username", body: `{"username":"alice@example.com","password":"x"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "missing password", body: `{"username":"alice"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: `{"username":"alice","password":"x","remember":true}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "trailing data", body: `{"username":"alice","password":"x"}{}`, status: http.StatusBadRequest, code: "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			rr := f.do(jsonRequest(http.MethodPost, "/session", tc.body))
			if rr.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tc.status, rr.Body.String())
			}
			if code := errCode(t, rr); code != tc.code {
				t.Fatalf("code=%q want %q", code, tc.code)
			}
			if len(rr.Result().Cookies()) != 0 {
				t.Fatal("cookie set on failure")
			}
		})
	}
}

func TestLogin_ThrottlesPerIP(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) {
		c.LoginIPMax = 3
		c.LoginIPWindow = time.Minute
	})

	for i := range 3 {
		rr := f.do(jsonRequest(http.MethodPost, "/session", `{"username":"mallory`+string(rune('a'+i))+`","password":"x"}`))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status=%d", i, rr.Code)
		}
	}

	rr := f.do(jsonRequest(http.MethodPost, "/session", `{"username":"alice","password":"`+alicePassword+`"}`))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("retry-after=%q", rr.Header().Get("Retry-After"))
	}

	other := jsonRequest(http.MethodPost, "/session", `{"username":"alice","password":"`+alicePassword+`"}`)
	other.RemoteAddr = "198.51.100.7:5555"
	if rr := f.do(other); rr.Code != http.StatusOK {
		t.Fatalf("other ip status=%d", rr.Code)
	}
	if f.obs.logins["password/throttled"] != 1 {
		t.Fatalf("logins=%v", f.obs.logins)
	}
}

func TestLogin_LocksOutIdentifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) {
		c.LockoutShortThreshold = 2
		c.LockoutShortDuration = time.Minute
	})

	for i := range 2 {
		r := jsonRequest(http.MethodPost, "/session", `{"username":"alice","password":"wrong"}`)
		r.RemoteAddr = "203.0.113." + string(rune('1'+i)) + ":1000"
		if rr := f.do(r); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status=%d", i, rr.Code)
		}
	}

	r := jsonRequest(http.MethodPost, "/session", `{"username":"alice","password":"`+alicePassword+`"}`)
	r.RemoteAddr = "203.0.113.9:1000"
	if rr := f.do(r); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestAdminLogin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		key    string
		body   string
		status int
	}{
		{name: "admin", key: adminKey, body: `{"username":"root"}`, status: http.StatusOK},
		{name: "admin by email", key: adminKey, body: `{"email":"ADMIN@bazaar.test"}`, status: http.StatusOK},
		{name: "missing key", key: "", body: `{"username":"root"}`, status: http.StatusUnauthorized},
		{name: "wrong key", key: "not-the-key", body: `{"username":"root"}`, status: http.StatusUnauthorized},
		{name: "not an admin", key: adminKey, body: `{"username":"alice"}`, status: http.StatusForbidden},
		{name: "unknown user", key: adminKey, body: `{"username":"ghost"}`, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			r := jsonRequest(http.MethodPost, "/session/admin", tc.body)
			if tc.key != "" {
				r.Header.Set(AdminKeyHeader, tc.key)
			}
			rr := f.do(r)
			if rr.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tc.status, rr.Body.String())
			}
			if tc.status != http.StatusOK {
				return
			}
			claims, err := f.sessions.Verify(sessionCookie(t, rr).Value, fixedNow)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if claims.SubjectID != "7" || !claims.IsAdmin() {
				t.Fatalf("claims=%+v", claims)
			}
		})
	}
}

func TestAdminLogin_DisabledWithoutKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.AdminKey = nil })
	r := jsonRequest(http.MethodPost, "/session/admin", `{"username":"root"}`)
	r.Header.Set(AdminKeyHeader, adminKey)
	if rr := f.do(r); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rr := f.do(httptest.NewRequest(http.MethodPost, "/session/logout", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
	ck := sessionCookie(t, rr)
	if ck.Value != "" || ck.MaxAge >= 0 {
		t.Fatalf("cookie=%+v", ck)
	}

	// A signed-in caller goes through the same path; the session is verified, not required.
	_, live, err := f.sessions.Build(session.Identity{SubjectID: "42"}, 0, fixedNow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/session/logout", nil)
	r.AddCookie(live)
	if rr := f.do(r); rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
	if f.obs.verified[OutcomeMissing] != 1 || f.obs.verified[OutcomeValid] != 1 {
		t.Fatalf("verified=%v", f.obs.verified)
	}
}

func TestMe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rr.Code != http.StatusUnauthorized || errCode(t, rr) != "unauthenticated" {
		t.Fatalf("anonymous status=%d", rr.Code)
	}

	_, ck, err := f.sessions.Build(session.Identity{SubjectID: "42", Role: identity.RoleUser, Username: "alice"}, time.Hour, fixedNow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.AddCookie(ck)
	rr = f.do(r)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp meResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.User.ID != "42" || resp.User.Username != "alice" || !resp.ExpiresAt.Equal(fixedNow.Add(time.Hour)) {
		t.Fatalf("resp=%+v", resp)
	}

	bad := httptest.NewRequest(http.MethodGet, "/me", nil)
	bad.AddCookie(&http.Cookie{Name: "bazaar_session", Value: ck.Value + "x"})
	if rr := f.do(bad); rr.Code != http.StatusUnauthorized {
		t.Fatalf("tampered status=%d", rr.Code)
	}

	if f.obs.verified[OutcomeMissing] != 1 || f.obs.verified[OutcomeValid] != 1 || f.obs.verified[OutcomeInvalid] != 1 {
		t.Fatalf("verified=%v", f.obs.verified)
	}
}

func TestWithSession_PassesAnonymous(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var sawClaims bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawClaims = session.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	f.h.withSession(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/presence", nil))
	if rr.Code != http.StatusTeapot || sawClaims {
		t.Fatalf("status=%d claims=%v", rr.Code, sawClaims)
	}

	_, ck, err := f.sessions.Build(session.Identity{SubjectID: "42"}, 0, fixedNow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/presence", nil)
	r.AddCookie(ck)
	rr = httptest.NewRecorder()
	f.h.withSession(next).ServeHTTP(rr, r)
	if !sawClaims {
		t.Fatal("claims not attached")
	}
}

func TestClientIP_TrustProxy(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/session", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "garbage, 203.0.113.5, 10.0.0.1")

	if got := clientIP(r, false).String(); got != "10.0.0.1" {
		t.Fatalf("untrusted=%s", got)
	}
	if got := clientIP(r, true).String(); got != "203.0.113.5" {
		t.Fatalf("trusted=%s", got)
	}
}
