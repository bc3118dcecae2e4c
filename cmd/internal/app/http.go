package app

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	authapi "bazaar/cmd/internal/auth/api"
	"bazaar/cmd/internal/presence"
)

const readyTimeout = 2 * time.Second

// probes answers /healthz and /readyz for whichever backing services are configured.
type probes struct {
	log       Logger
	pool      *pgxpool.Pool
	rdb       *redis.Client
	requireDB bool
}

func (p probes) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if p.requireDB && p.pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if p.pool != nil {
			if err := PingDB(r.Context(), p.pool, readyTimeout); err != nil {
				p.log.Warn("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if p.rdb != nil {
			if err := PingRedis(r.Context(), p.rdb, readyTimeout); err != nil {
				p.log.Warn("readyz.redis.not_ready", "err", err)
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
}

// edgeRoutes is everything the public edge serves.
type edgeRoutes struct {
	probes   probes
	metrics  *Metrics
	auth     *authapi.Handler
	presence *presence.Handler
	gateway  http.Handler
}

func registerHTTP(mux *http.ServeMux, rt edgeRoutes) {
	rt.probes.register(mux)

	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	rt.auth.Register(mux)

	mux.Handle("GET /presence", rt.auth.RequireSession(http.HandlerFunc(rt.presence.ServeStatus)))
	mux.Handle("POST /presence/ping", rt.auth.RequireSession(http.HandlerFunc(rt.presence.ServePing)))

	mux.Handle("GET /support/ws", rt.gateway)
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL onto its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
