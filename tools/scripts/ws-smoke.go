// Command ws-smoke drives the support chat path end to end against a running edge.
//
// It logs in as a customer and as an admin, opens /support/ws for both, checks
// that they land in the same room, relays one message and resends it to check
// that the room deduplicates by client_msg_id. Exit status is non-zero on failure.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "bazaar/shared/contracts/realtime/v1"
)

const sessionCookie = "bazaar_session"

type options struct {
	base     *url.URL
	origin   string
	password string
	timeout  time.Duration
	verbose  bool
}

// frame is one decoded envelope or the error that ended the read loop.
type frame struct {
	env v1.Envelope
	err error
}

type peer struct {
	label  string
	conn   *websocket.Conn
	frames chan frame
	hello  v1.HelloAckPayload
}

func main() {
	var (
		rawURL   = flag.String("url", "http://127.0.0.1:8080", "edge base URL")
		origin   = flag.String("origin", "", "Origin header (default: the -url origin)")
		user     = flag.String("user", "demo", "customer username")
		admin    = flag.String("admin", "admin", "admin username")
		password = flag.String("password", os.Getenv("BAZAAR_DEV_PASSWORD"), "password for both accounts")
		convID   = flag.String("conv", "support-42", "conversation the admin joins")
		text     = flag.String("text", "hello bazaar 👋", "message text")
		timeout  = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose  = flag.Bool("v", false, "print each step")
	)
	flag.Parse()

	base, err := parseHTTPURL(*rawURL)
	if err != nil {
		fail("-url: %v", err)
	}
	if *origin == "" {
		*origin = base.Scheme + "://" + base.Host
	}
	if _, err := parseHTTPURL(*origin); err != nil {
		fail("-origin: %v", err)
	}
	if *password == "" {
		fail("no password: pass -password or set BAZAAR_DEV_PASSWORD")
	}

	o := options{base: base, origin: *origin, password: *password, timeout: *timeout, verbose: *verbose}
	ctx := context.Background()

	customer := o.open(ctx, "user", o.login(ctx, *user), nil)
	defer customer.close()
	agent := o.open(ctx, "admin", o.login(ctx, *admin), url.Values{"conversationId": {*convID}})
	defer agent.close()

	if customer.hello.Room != agent.hello.Room {
		fail("room mismatch: user=%q admin=%q", customer.hello.Room, agent.hello.Room)
	}
	o.logf("joined %s as %s and %s", customer.hello.Room, customer.hello.ConnectionID, agent.hello.ConnectionID)

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	first := o.send(ctx, customer, clientMsgID, *text)
	if first.Duplicate {
		fail("first send acked as duplicate")
	}

	var got v1.MessageNewPayload
	o.expect(ctx, agent, v1.TypeMessageNew, &got)
	switch {
	case got.ClientMsgID != clientMsgID, got.ServerMsgID != first.ServerMsgID:
		fail("message_new ids: got %q/%q want %q/%q", got.ClientMsgID, got.ServerMsgID, clientMsgID, first.ServerMsgID)
	case got.SenderID != customer.hello.UserID:
		fail("message_new sender: got %q want %q", got.SenderID, customer.hello.UserID)
	case got.Text != *text:
		fail("message_new text: got %q want %q", got.Text, *text)
	case got.ServerTS.IsZero():
		fail("message_new has no server_ts")
	}
	o.logf("relayed %s", first.ServerMsgID)

	again := o.send(ctx, customer, clientMsgID, *text)
	if !again.Duplicate || again.ServerMsgID != first.ServerMsgID {
		fail("resend: got %q duplicate=%v, want %q duplicate=true", again.ServerMsgID, again.Duplicate, first.ServerMsgID)
	}
	o.quiet(ctx, agent, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: room=%s server_msg_id=%s\n", customer.hello.Room, first.ServerMsgID)
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func (o options) logf(format string, args ...any) {
	if o.verbose {
		fmt.Printf("· "+format+"\n", args...)
	}
}

// login posts credentials to /session and returns the session cookie.
func (o options) login(ctx context.Context, username string) *http.Cookie {
	body, _ := json.Marshal(map[string]string{"username": username, "password": o.password})

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base.JoinPath("session").String(), bytes.NewReader(body))
	if err != nil {
		fail("login %s: %v", username, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("login %s: %v", username, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		fail("login %s: %d %s", username, res.StatusCode, bytes.TrimSpace(msg))
	}
	for _, c := range res.Cookies() {
		if c.Name == sessionCookie {
			o.logf("logged in %s", username)
			return c
		}
	}
	fail("login %s: response set no %s cookie", username, sessionCookie)
	return nil
}

// open dials /support/ws, starts the reader and completes the hello exchange.
func (o options) open(ctx context.Context, label string, cookie *http.Cookie, query url.Values) *peer {
	u := *o.base
	u.Scheme = map[string]string{"http": "ws", "https": "wss"}[u.Scheme]
	u.Path = strings.TrimRight(u.Path, "/") + "/support/ws"
	u.RawQuery = query.Encode()

	hdr := http.Header{}
	hdr.Set("Origin", o.origin)
	hdr.Set("Cookie", cookie.String())

	dialCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	conn, res, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		fail("dial %s: status=%d: %v", label, status, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fail("dial %s: subprotocol %q, want %q", label, got, v1.Subprotocol)
	}
	conn.SetReadLimit(v1.MaxFrameBytes)

	p := &peer{label: label, conn: conn, frames: make(chan frame, 64)}
	go p.read()

	o.write(ctx, p, v1.TypeHello, v1.HelloPayload{Client: "ws-smoke"})
	o.expect(ctx, p, v1.TypeHelloAck, &p.hello)
	if p.hello.ConnectionID == "" || p.hello.Room == "" {
		fail("%s: hello_ack without connection_id or room", label)
	}
	return p
}

func (p *peer) read() {
	defer close(p.frames)
	for {
		_, data, err := p.conn.Read(context.Background())
		if err != nil {
			p.frames <- frame{err: err}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.frames <- frame{err: fmt.Errorf("decode frame: %w", err)}
			return
		}
		if err := env.Validate(); err != nil {
			p.frames <- frame{err: err}
			return
		}
		p.frames <- frame{env: env}
	}
}

func (p *peer) close() { _ = p.conn.Close(websocket.StatusNormalClosure, "done") }

func (o options) write(ctx context.Context, p *peer, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fail("%s: encode %s: %v", p.label, typ, err)
	}
	data, _ := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", p.label, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: raw,
	})

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		fail("%s: write %s: %v", p.label, typ, err)
	}
}

func (o options) send(ctx context.Context, p *peer, clientMsgID, text string) v1.MessageAckPayload {
	o.write(ctx, p, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: clientMsgID, Text: text})

	var ack v1.MessageAckPayload
	o.expect(ctx, p, v1.TypeMessageAck, &ack, v1.TypeMessageNew)
	if ack.ClientMsgID != clientMsgID || ack.ServerMsgID == "" {
		fail("%s: bad ack %+v for %q", p.label, ack, clientMsgID)
	}
	return ack
}

// expect waits for an envelope of type want and decodes its payload into out.
// Presence and typing frames are always skipped, plus any type in skip.
func (o options) expect(ctx context.Context, p *peer, want string, out any, skip ...string) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	skip = append(skip, v1.TypePresence, v1.TypeTyping)
	for {
		env := next(ctx, p, "waiting for "+want)
		if env.Type == want {
			if err := env.Decode(out); err != nil {
				fail("%s: %s: %v", p.label, want, err)
			}
			return
		}
		if !slices.Contains(skip, env.Type) {
			fail("%s: got %q while waiting for %q", p.label, env.Type, want)
		}
	}
}

// quiet fails if an envelope of type banned arrives within d.
func (o options) quiet(ctx context.Context, p *peer, banned string, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	for {
		env, ok := poll(ctx, p)
		if !ok {
			return
		}
		if env.Type == banned {
			fail("%s: unexpected %s", p.label, banned)
		}
	}
}

func next(ctx context.Context, p *peer, doing string) v1.Envelope {
	env, ok := poll(ctx, p)
	if !ok {
		fail("%s: timed out %s", p.label, doing)
	}
	return env
}

// poll returns the next envelope, or false once ctx is done. Connection errors
// and server error frames are fatal.
func poll(ctx context.Context, p *peer) (v1.Envelope, bool) {
	select {
	case <-ctx.Done():
		return v1.Envelope{}, false
	case f, ok := <-p.frames:
		if !ok {
			fail("%s: connection closed", p.label)
		}
		if f.err != nil {
			fail("%s: %v", p.label, f.err)
		}
		if f.env.Type == v1.TypeError {
			var e v1.ErrorPayload
			_ = json.Unmarshal(f.env.Payload, &e)
			fail("%s: server error %s: %s", p.label, e.Code, e.Message)
		}
		return f.env, true
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
