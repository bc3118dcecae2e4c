// Package app wires the Bazaar runtime: config, logging, metrics, stores, HTTP
// routes, the realtime gateway and the room process.
package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"bazaar/cmd/identity"
	authapi "bazaar/cmd/internal/auth/api"
	"bazaar/cmd/internal/auth/session"
	"bazaar/cmd/internal/capability"
	"bazaar/cmd/internal/chat"
	"bazaar/cmd/internal/presence"
	"bazaar/cmd/internal/realtime"
	"bazaar/cmd/internal/room"
	"bazaar/cmd/security/password"
	"bazaar/cmd/security/token"
)

const shutdownTimeout = 10 * time.Second

// App is one Bazaar process: the public edge or a room process.
type App struct {
	cfg  Config
	log  Logger
	addr string

	handler  http.Handler
	presence *presence.Service

	pool *pgxpool.Pool
	rdb  *redis.Client
}

// backing holds the stores a process reads.
type backing struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	users    identity.Store
	convs    chat.Store
	activity presence.ActivityWriter
	reader   presence.ActivityReader
}

func (b backing) close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// New builds the public edge: auth, presence and the realtime gateway.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	var m *Metrics
	if cfg.MetricsEnabled {
		m = NewMetrics()
	}

	b, err := openBacking(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	h, svc, err := buildEdge(cfg, log, m, b)
	if err != nil {
		b.close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		addr:     cfg.HTTPAddr,
		handler:  h,
		presence: svc,
		pool:     b.pool,
		rdb:      b.rdb,
	}, nil
}

// NewRoom builds a room process: it verifies capabilities and runs rooms.
func NewRoom(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}
	if err := ValidateRoomSecurityConfig(cfg); err != nil {
		return nil, err
	}

	var m *Metrics
	if cfg.MetricsEnabled {
		m = NewMetrics()
	}

	roomCfg := cfg
	roomCfg.DevSeed = false
	b, err := openBacking(ctx, roomCfg, log)
	if err != nil {
		return nil, err
	}
	if b.pool == nil && b.rdb == nil {
		// Nothing shared to write through to; presence stays process-local.
		b.activity, b.reader = nil, nil
	}

	svc := newPresence(cfg, log, m, b)
	tracker := presence.NewTracker(log, svc, b.activity, cfg.ActivityWriteEvery)

	srv, err := newRoomServer(cfg, log, m, tracker)
	if err != nil {
		b.close()
		return nil, err
	}

	mux := http.NewServeMux()
	probes{log: log, pool: b.pool, rdb: b.rdb, requireDB: cfg.ReadinessRequireDB}.register(mux)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	srv.Register(mux)

	return &App{
		cfg:      cfg,
		log:      log,
		addr:     cfg.RoomAddr,
		handler:  WithRequestLogging(mux, log, m),
		presence: svc,
		pool:     b.pool,
		rdb:      b.rdb,
	}, nil
}

// Handler returns the root handler (used by tests).
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.addr)
	a.log.Info("server.start",
		"addr", a.addr,
		"url", base,
		"ws_url", wsBaseURL(base),
		"db_enabled", a.pool != nil,
		"redis_enabled", a.rdb != nil,
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweep(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.close()

	a.log.Info("server.stopped")
	return err
}

// sweep drops expired presence store reads so idle keys do not accumulate.
func (a *App) sweep(ctx context.Context) {
	every := nonZeroDuration(a.cfg.PresenceGrace, presence.DefaultGrace)
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := a.presence.SweepReads(now); n > 0 {
				a.log.Debug("presence.sweep", "dropped", n)
			}
		}
	}
}

func (a *App) close() {
	backing{pool: a.pool, rdb: a.rdb}.close()
}

// Run is the entrypoint of cmd/bazaar. It returns an error instead of calling
// os.Exit so defers run.
func Run() error {
	return run(New)
}

// RunRoom is the entrypoint of cmd/bazaar-room.
func RunRoom() error {
	return run(NewRoom)
}

func run(build func(context.Context, Config, Logger) (*App, error)) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}

// openBacking picks Postgres or the in-memory dev stores, and Redis for shared
// activity when configured.
func openBacking(ctx context.Context, cfg Config, log Logger) (backing, error) {
	var b backing

	if cfg.DatabaseURL == "" {
		users := identity.NewMemoryStore()
		convs := chat.NewMemoryStore()
		if cfg.DevSeed {
			if err := seedDev(ctx, users, convs, passwordConfig(cfg), cfg.DevPassword, time.Now()); err != nil {
				return backing{}, err
			}
			log.Info("db.disabled.seeded", "admin", "admin", "user", "demo", "conversation", devConversation)
		} else {
			log.Info("db.disabled.inmemory_store")
		}
		b.users, b.convs = users, convs
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return backing{}, err
		}
		b.pool = pool

		var opts []identity.PostgresOption
		var chatOpts []chat.Option
		if cfg.DBSchema != "" {
			opts = append(opts, identity.WithSchema(cfg.DBSchema))
			chatOpts = append(chatOpts, chat.WithSchema(cfg.DBSchema))
		}
		users, err := identity.NewPostgresStore(pool, opts...)
		if err != nil {
			b.close()
			return backing{}, err
		}
		convs, err := chat.NewPostgresStore(pool, chatOpts...)
		if err != nil {
			b.close()
			return backing{}, err
		}
		b.users, b.convs = users, convs
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	}

	b.activity, b.reader = b.users, b.users
	if cfg.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			b.close()
			return backing{}, err
		}
		b.rdb = rdb
		shared := presence.NewRedisActivityStore(rdb, "", 0)
		b.activity, b.reader = shared, shared
		log.Info("presence.activity.redis")
	}
	return b, nil
}

func newPresence(cfg Config, log Logger, m *Metrics, b backing) *presence.Service {
	var opts []presence.Option
	if m != nil {
		opts = append(opts, presence.WithObserver(m))
	}
	if b.users != nil {
		opts = append(opts, presence.WithUsers(b.users))
	}
	return presence.NewService(log, presence.Config{
		Window: cfg.PresenceWindow,
		Grace:  cfg.PresenceGrace,
	}, b.reader, b.convs, opts...)
}

func newRoomServer(cfg Config, log Logger, m *Metrics, tracker *presence.Tracker) (*room.Server, error) {
	var opts []room.Option
	if m != nil {
		opts = append(opts, room.WithObserver(m))
	}
	verifier := capability.NewVerifier(token.StaticSecret([]byte(cfg.CapabilitySecret)))
	return room.NewServer(log, room.Config{AllowedOrigins: cfg.AllowedOrigins()}, verifier, tracker, opts...)
}

func passwordConfig(cfg Config) password.Config {
	pw := password.DefaultConfig()
	if cfg.Argon2MemoryKiB > 0 {
		pw.Params.MemoryKiB = cfg.Argon2MemoryKiB
	}
	if cfg.Argon2Iterations > 0 {
		pw.Params.Iterations = cfg.Argon2Iterations
	}
	if cfg.Argon2Parallelism > 0 {
		pw.Params.Parallelism = cfg.Argon2Parallelism
	}
	return pw
}

// buildEdge assembles the public handler chain.
func buildEdge(cfg Config, log Logger, m *Metrics, b backing) (http.Handler, *presence.Service, error) {
	sessions, err := session.NewCodec(session.Config{
		CookieName: cfg.SessionCookie,
		TTL:        cfg.SessionTTL,
		Secret:     token.StaticSecret([]byte(cfg.SessionSecret)),
	})
	if err != nil {
		return nil, nil, err
	}

	passwords, err := password.NewVerifier(passwordConfig(cfg))
	if err != nil {
		return nil, nil, err
	}

	authCfg := authapi.DefaultConfig()
	authCfg.TrustProxy = cfg.TrustProxy
	authCfg.LoginIPMax = cfg.LoginIPMax
	authCfg.LoginIPWindow = cfg.LoginIPWindow
	if cfg.AdminKey != "" {
		authCfg.AdminKey = token.StaticSecret([]byte(cfg.AdminKey))
	}
	var authOpts []authapi.HandlerOption
	if m != nil {
		authOpts = append(authOpts, authapi.WithObserver(m))
	}
	auth, err := authapi.NewHandler(log, authCfg, b.users, passwords, sessions, authOpts...)
	if err != nil {
		return nil, nil, err
	}

	svc := newPresence(cfg, log, m, b)
	tracker := presence.NewTracker(log, svc, b.activity, cfg.ActivityWriteEvery)

	dispatcher, err := newDispatcher(cfg, log, m, tracker)
	if err != nil {
		return nil, nil, err
	}

	var gwOpts []realtime.GatewayOption
	if m != nil {
		gwOpts = append(gwOpts, realtime.WithGatewayObserver(m))
	}
	gateway, err := realtime.NewGateway(log,
		realtime.GatewayConfig{PublicOrigin: cfg.PublicOrigin, LoginPath: cfg.LoginPath},
		sessions,
		realtime.NewResolver(b.convs),
		capability.NewMinter(token.StaticSecret([]byte(cfg.CapabilitySecret))),
		dispatcher,
		gwOpts...,
	)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, edgeRoutes{
		probes:   probes{log: log, pool: b.pool, rdb: b.rdb, requireDB: cfg.ReadinessRequireDB},
		metrics:  m,
		auth:     auth,
		presence: presence.NewHandler(log, svc, tracker),
		gateway:  gateway,
	})

	return WithRequestLogging(WithSecurityHeaders(mux), log, m), svc, nil
}

// newDispatcher proxies to the configured room processes, or runs rooms in-process.
func newDispatcher(cfg Config, log Logger, m *Metrics, tracker *presence.Tracker) (realtime.Dispatcher, error) {
	if backends := cfg.RoomBackendList(); len(backends) > 0 {
		d, err := realtime.NewProxyDispatcher(log, backends)
		if err != nil {
			return nil, err
		}
		log.Info("rooms.remote", "backends", len(backends))
		return d, nil
	}

	srv, err := newRoomServer(cfg, log, m, tracker)
	if err != nil {
		return nil, err
	}
	rooms := http.NewServeMux()
	srv.Register(rooms)
	log.Info("rooms.local")
	return realtime.LocalDispatcher{Handler: rooms}, nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
