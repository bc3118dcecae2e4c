package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/identity/ids"
	"bazaar/cmd/internal/capability"
	"bazaar/cmd/internal/realtime"
	v1 "bazaar/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Activity records that a user is active. presence.Tracker implements it.
type Activity interface {
	Ping(ctx context.Context, ref identity.Ref, now time.Time)
}

// Observer receives connection lifecycle events. Implemented by the app's metrics.
type Observer interface {
	ConnOpened()
	ConnClosed()
	Rejected(reason string)
}

type nopObserver struct{}

func (nopObserver) ConnOpened()     {}
func (nopObserver) ConnClosed()     {}
func (nopObserver) Rejected(string) {}

// Config tunes the room server. Zero values take defaults.
type Config struct {
	// AllowedOrigins are the browser origins allowed to connect. The room
	// process sits behind the gateway, so this is normally the public origin.
	AllowedOrigins []string

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithObserver attaches metrics.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server accepts capability-bearing WebSocket connections and runs rooms.
type Server struct {
	log            *slog.Logger
	cfg            Config
	hub            *Hub
	verifier       *capability.Verifier
	activity       Activity
	originPatterns []string
	limits         *UserLimits
	obs            Observer
	now            func() time.Time
}

// NewServer constructs a Server. activity may be nil.
func NewServer(log *slog.Logger, cfg Config, verifier *capability.Verifier, activity Activity, opts ...Option) (*Server, error) {
	if verifier == nil {
		return nil, errors.New("room.NewServer: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		log:            log,
		cfg:            cfg.withDefaults(),
		hub:            NewHub(log),
		verifier:       verifier,
		activity:       activity,
		originPatterns: realtime.OriginPatterns(cfg.AllowedOrigins),
		obs:            nopObserver{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limits = NewUserLimits(s.cfg.RateEvents, s.cfg.RateWindow)
	return s, nil
}

// Hub exposes the live rooms.
func (s *Server) Hub() *Hub { return s.hub }

// Register mounts the room endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms/{room}/ws", s.HandleWS)
}

type conn struct {
	client *Client
	room   *Room
	ref    identity.Ref
}

// HandleWS verifies the capability for the path's room and runs the connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	now := s.now()

	claims, err := s.verifier.Verify(r.URL.Query().Get("token"), name, now)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, capability.ErrRoomMismatch) {
			reason = "room_mismatch"
		} else if errors.Is(err, capability.ErrConfigMissing) {
			reason = "config_missing"
		}
		s.log.Info("room.reject.capability", "room", name, "reason", reason, "remote", r.RemoteAddr)
		s.obs.Rejected(reason)

		status, code := http.StatusUnauthorized, "unauthenticated"
		if reason == "config_missing" {
			status, code = http.StatusInternalServerError, "config_missing"
		}
		writeError(w, status, code, http.StatusText(status))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.log.Info("room.accept.fail", "room", name, "err", err)
		s.obs.Rejected("accept")
		return
	}
	defer func() { _ = ws.CloseNow() }()

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		s.log.Info("room.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		s.obs.Rejected("subprotocol")
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	ws.SetReadLimit(v1.MaxFrameBytes)

	s.obs.ConnOpened()
	defer s.obs.ConnClosed()

	s.run(r.Context(), ws, name, claims, now)
}

func (s *Server) run(parent context.Context, ws *websocket.Conn, name string, claims capability.Claims, now time.Time) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	client := NewClient(ids.NewULIDOrTime(now), claims.Subject, claims.Role, s.cfg.SendQueueSize)
	rm, members := s.hub.Join(name, client)
	c := conn{client: client, room: rm, ref: identity.RefForID(claims.Subject)}

	s.touch(ctx, c)
	rm.BroadcastExcept(client.ConnID, s.presence(c, true, members))

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			left := s.hub.Leave(name, client.ConnID)
			rm.Broadcast(s.presence(c, false, left))
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, ws, env, s.cfg.WriteTimeout); err != nil {
					s.log.Info("room.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(s.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					s.log.Info("room.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, s.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadFrame:
				s.sendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				s.log.Info("room.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		at := s.now()
		s.touch(ctx, c)

		if !s.limits.Allow(c.ref.Value, at) {
			s.sendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			s.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		if err := s.dispatch(c, env, at); err != nil {
			s.sendError(client, "bad_request", err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (s *Server) dispatch(c conn, env v1.Envelope, at time.Time) error {
	switch env.Type {
	case v1.TypeHello:
		return s.onHello(c, at)
	case v1.TypePing:
		c.client.offer(s.envelope(c.room, v1.TypePong, nil, at))
		return nil
	case v1.TypeMessageSend:
		return s.onMessageSend(c, env, at)
	case v1.TypeTyping:
		return s.onTyping(c, env, at)
	default:
		return fmt.Errorf("unsupported type: %s", env.Type)
	}
}

func (s *Server) onHello(c conn, at time.Time) error {
	ack := s.envelope(c.room, v1.TypeHelloAck, v1.HelloAckPayload{
		ConnectionID: c.client.ConnID,
		Room:         c.room.Name,
		UserID:       c.client.UserID,
		Role:         c.client.Role.String(),
		Members:      c.room.Members(),
	}, at)
	if !c.client.offer(ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (s *Server) onMessageSend(c conn, env v1.Envelope, at time.Time) error {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := p.Check(); err != nil {
		return err
	}
	clientMsgID := strings.TrimSpace(p.ClientMsgID)

	serverMsgID, dup := c.room.Accept(c.client.UserID, clientMsgID, ids.NewULIDOrTime(at))

	ack := s.envelope(c.room, v1.TypeMessageAck, v1.MessageAckPayload{
		ClientMsgID: clientMsgID,
		ServerMsgID: serverMsgID,
		Duplicate:   dup,
	}, at)
	if !c.client.offer(ack) {
		return errors.New("backpressure: message_ack")
	}
	if dup {
		return nil
	}

	c.room.Broadcast(s.envelope(c.room, v1.TypeMessageNew, v1.MessageNewPayload{
		ClientMsgID: clientMsgID,
		ServerMsgID: serverMsgID,
		SenderID:    c.client.UserID,
		SenderRole:  c.client.Role.String(),
		Text:        strings.TrimSpace(p.Text),
		ServerTS:    at.UTC(),
	}, at))
	return nil
}

func (s *Server) onTyping(c conn, env v1.Envelope, at time.Time) error {
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	c.room.BroadcastExcept(c.client.ConnID, s.envelope(c.room, v1.TypeTyping, v1.TypingPayload{
		UserID: c.client.UserID,
		Active: p.Active,
	}, at))
	return nil
}

func (s *Server) presence(c conn, online bool, members int) v1.Envelope {
	return s.envelope(c.room, v1.TypePresence, v1.PresencePayload{
		UserID:  c.client.UserID,
		Role:    c.client.Role.String(),
		Online:  online,
		Members: members,
	}, s.now())
}

func (s *Server) touch(ctx context.Context, c conn) {
	if s.activity == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, activityTimeout)
	defer cancel()
	s.activity.Ping(ctx, c.ref, s.now())
}

func (s *Server) sendError(client *Client, code, msg string) {
	client.offer(s.envelope(nil, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, s.now()))
}

func (s *Server) envelope(rm *Room, typ string, payload any, ts time.Time) v1.Envelope {
	env := v1.Envelope{
		V:    v1.Version,
		Type: typ,
		ID:   ids.NewULIDOrTime(ts),
		TS:   ts.UTC(),
	}
	if rm != nil {
		env.Room = rm.Name
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.log.Error("room.encode.fail", "type", typ, "err", err)
		} else {
			env.Payload = b
		}
	}
	return env
}

// ---- envelope IO ----

var errBadFrame = errors.New("bad frame")

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type %v", errBadFrame, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadFrame) {
		return readErrBadFrame
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
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
