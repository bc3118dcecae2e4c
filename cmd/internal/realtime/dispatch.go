package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// Dispatcher hands a forwarded upgrade request to the process serving room.
type Dispatcher interface {
	Dispatch(w http.ResponseWriter, r *http.Request, room string)
}

// LocalDispatcher serves rooms in-process through Handler, normally a mux
// with the room server registered on it.
type LocalDispatcher struct {
	Handler http.Handler
}

func (d LocalDispatcher) Dispatch(w http.ResponseWriter, r *http.Request, _ string) {
	d.Handler.ServeHTTP(w, r)
}

// ProxyDispatcher reverse-proxies to one of several room processes. A room
// always lands on the same backend for a given backend set.
type ProxyDispatcher struct {
	log     *slog.Logger
	ring    *rendezvous.Rendezvous
	proxies map[string]*httputil.ReverseProxy
}

// NewProxyDispatcher builds a dispatcher over backend base URLs (http or https).
func NewProxyDispatcher(log *slog.Logger, backends []string) (*ProxyDispatcher, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &ProxyDispatcher{log: log, proxies: make(map[string]*httputil.ReverseProxy, len(backends))}
	names := make([]string, 0, len(backends))

	for _, b := range backends {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		if b == "" {
			continue
		}
		target, err := url.Parse(b)
		if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
			return nil, fmt.Errorf("realtime.NewProxyDispatcher: invalid backend %q", b)
		}
		if _, dup := d.proxies[b]; dup {
			continue
		}
		d.proxies[b] = d.newProxy(b, target)
		names = append(names, b)
	}
	if len(names) == 0 {
		return nil, errors.New("realtime.NewProxyDispatcher: no backends")
	}

	d.ring = rendezvous.New(names, xxhash.Sum64String)
	return d, nil
}

// Backend returns the base URL serving room.
func (d *ProxyDispatcher) Backend(room string) string {
	return d.ring.Lookup(room)
}

func (d *ProxyDispatcher) Dispatch(w http.ResponseWriter, r *http.Request, room string) {
	backend := d.Backend(room)
	d.proxies[backend].ServeHTTP(w, r)
}

func (d *ProxyDispatcher) newProxy(name string, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			d.log.Warn("ws.proxy.fail", "backend", name, "path", r.URL.Path, "err", err)
			writeError(w, http.StatusBadGateway, "unavailable", "room unavailable")
		},
	}
}
