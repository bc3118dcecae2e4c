package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "bazaar/shared/contracts/realtime/v1"
)

const devTestPassword = "correct-horse-battery-staple"

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
		{name: "port only", in: ":8090", want: "http://127.0.0.1:8090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://bazaar.example.com", want: "wss://bazaar.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig is a dev-seeded edge config with cheap password hashing.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	cfg.SessionSecret = "session-secret-session-secret-32b"
	cfg.CapabilitySecret = "capability-secret-capability-32b!"
	cfg.AdminKey = ""
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.RoomBackends = ""
	cfg.DevSeed = true
	cfg.DevPassword = devTestPassword
	cfg.Argon2MemoryKiB = 8 * 1024
	cfg.Argon2Iterations = 1
	cfg.Argon2Parallelism = 1
	return cfg
}

// startEdge builds the edge behind a test server whose URL is the public origin.
func startEdge(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()

	srv := httptest.NewUnstartedServer(nil)
	cfg.PublicOrigin = "http://" + srv.Listener.Addr().String()

	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.Config.Handler = a.Handler()
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, username string) *http.Cookie {
	t.Helper()

	body := `{"username":"` + username + `","password":"` + devTestPassword + `"}`
	res, err := srv.Client().Post(srv.URL+"/session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /session: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		t.Fatalf("login %s: status=%d body=%s", username, res.StatusCode, b)
	}
	for _, c := range res.Cookies() {
		if c.Name == "bazaar_session" {
			return c
		}
	}
	t.Fatalf("login %s: no session cookie", username)
	return nil
}

func get(t *testing.T, srv *httptest.Server, path string, cookie *http.Cookie, hdr map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if cookie != nil {
		req.Header.Set("Cookie", cookie.Name+"="+cookie.Value)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func dialSupport(t *testing.T, ctx context.Context, srv *httptest.Server, cookie *http.Cookie, query string) *websocket.Conn {
	t.Helper()

	h := http.Header{}
	h.Set("Origin", srv.URL)
	h.Set("Cookie", cookie.Name+"="+cookie.Value)

	c, res, err := websocket.Dial(ctx, wsBaseURL(srv.URL)+"/support/ws"+query, &websocket.DialOptions{
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("Dial /support/ws%s: status=%d err=%v", query, status, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func sendEnvelope(t *testing.T, ctx context.Context, c *websocket.Conn, typ string, payload any) {
	t.Helper()

	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		env.Payload = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readType(t *testing.T, ctx context.Context, c *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func helloAck(t *testing.T, ctx context.Context, c *websocket.Conn) v1.HelloAckPayload {
	t.Helper()

	sendEnvelope(t, ctx, c, v1.TypeHello, v1.HelloPayload{Client: "app-test"})
	env := readType(t, ctx, c, v1.TypeHelloAck)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("hello_ack payload: %v", err)
	}
	return ack
}

func TestEdge_HealthEndpointsAndMetrics(t *testing.T) {
	t.Parallel()

	srv := startEdge(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		if res := get(t, srv, path, nil, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, res.StatusCode)
		}
	}

	res := get(t, srv, "/metrics", nil, nil)
	b, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(b), "bazaar_http_request_duration_seconds") {
		t.Fatalf("metrics status=%d body=%.200s", res.StatusCode, b)
	}
	if res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestEdge_MetricsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MetricsEnabled = false
	srv := startEdge(t, cfg)

	if res := get(t, srv, "/metrics", nil, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics should not be served, status=%d", res.StatusCode)
	}
}

func TestEdge_SessionAndPresence(t *testing.T) {
	t.Parallel()

	srv := startEdge(t, testConfig(t))

	if res := get(t, srv, "/me", nil, nil); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /me status=%d", res.StatusCode)
	}

	cookie := login(t, srv, "demo")

	res := get(t, srv, "/me", cookie, nil)
	var me struct {
		User struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"user"`
	}
	if err := json.NewDecoder(res.Body).Decode(&me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me.User.ID != devUserID || me.User.Role != "user" {
		t.Fatalf("/me=%+v", me.User)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/presence/ping", nil)
	req.Header.Set("Cookie", cookie.Name+"="+cookie.Value)
	ping, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = ping.Body.Close()
	if ping.StatusCode != http.StatusNoContent {
		t.Fatalf("ping status=%d", ping.StatusCode)
	}

	res = get(t, srv, "/presence", cookie, nil)
	var st struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatalf("decode /presence: %v", err)
	}
	etag := res.Header.Get("ETag")
	if res.StatusCode != http.StatusOK || !st.Online || etag == "" {
		t.Fatalf("presence status=%d online=%v etag=%q", res.StatusCode, st.Online, etag)
	}

	res = get(t, srv, "/presence", cookie, map[string]string{"If-None-Match": etag})
	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional presence status=%d", res.StatusCode)
	}
}

func TestEdge_SupportRoomInProcess(t *testing.T) {
	t.Parallel()

	srv := startEdge(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user := dialSupport(t, ctx, srv, login(t, srv, "demo"), "")
	if ack := helloAck(t, ctx, user); ack.Room != "support:42" || ack.UserID != devUserID {
		t.Fatalf("user hello_ack=%+v", ack)
	}

	admin := dialSupport(t, ctx, srv, login(t, srv, "admin"), "?conversationId="+devConversation)
	if ack := helloAck(t, ctx, admin); ack.Room != "support:42" || ack.Role != "admin" {
		t.Fatalf("admin hello_ack=%+v", ack)
	}

	sendEnvelope(t, ctx, user, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "m1", Text: "where is my order?"})

	env := readType(t, ctx, admin, v1.TypeMessageNew)
	var msg v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("message_new payload: %v", err)
	}
	if msg.SenderID != devUserID || msg.Text != "where is my order?" {
		t.Fatalf("message_new=%+v", msg)
	}
}

func TestEdge_SupportRejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	srv := startEdge(t, testConfig(t))
	cookie := login(t, srv, "demo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	h.Set("Cookie", cookie.Name+"="+cookie.Value)
	_, res, err := websocket.Dial(ctx, wsBaseURL(srv.URL)+"/support/ws", &websocket.DialOptions{
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err == nil {
		t.Fatalf("cross-origin dial succeeded")
	}
	if res == nil || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("cross-origin dial: res=%v err=%v", res, err)
	}
}

func TestEdge_ProxiesToRoomProcess(t *testing.T) {
	t.Parallel()

	edgeSrv := httptest.NewUnstartedServer(nil)
	origin := "http://" + edgeSrv.Listener.Addr().String()

	roomCfg := testConfig(t)
	roomCfg.DevSeed = false
	roomCfg.PublicOrigin = origin
	rooms, err := NewRoom(context.Background(), roomCfg, discardLogger())
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	roomSrv := httptest.NewServer(rooms.Handler())
	t.Cleanup(roomSrv.Close)

	edgeCfg := testConfig(t)
	edgeCfg.PublicOrigin = origin
	edgeCfg.RoomBackends = roomSrv.URL
	edge, err := New(context.Background(), edgeCfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	edgeSrv.Config.Handler = edge.Handler()
	edgeSrv.Start()
	t.Cleanup(edgeSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialSupport(t, ctx, edgeSrv, login(t, edgeSrv, "demo"), "")
	if ack := helloAck(t, ctx, c); ack.Room != "support:42" {
		t.Fatalf("hello_ack via room process=%+v", ack)
	}

	if res := get(t, roomSrv, "/healthz", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("room healthz status=%d", res.StatusCode)
	}
}

func TestNew_RejectsWeakSecrets(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.CapabilitySecret = cfg.SessionSecret
	if _, err := New(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatalf("shared secrets must be rejected")
	}
}
