package realtime

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// CanonicalOrigin reduces s to scheme://host[:port] with the default port
// dropped. It reports false for anything that is not an http(s) origin.
func CanonicalOrigin(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, true
}

// requestOrigin is the origin r was served under when no public origin is configured.
func requestOrigin(r *http.Request) (string, bool) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return CanonicalOrigin(scheme + "://" + r.Host)
}

// IPv6 literals carry brackets, which are glob metacharacters.
var globEscaper = strings.NewReplacer("[", `\[`, "]", `\]`)

// OriginPatterns converts allowed origins into websocket.AcceptOptions.OriginPatterns
// host[:port] patterns, matched against the Origin header's host. The room process
// is reached through a proxy, so the browser's Origin never matches its Host.
func OriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		o, ok := CanonicalOrigin(a)
		if !ok {
			continue
		}
		u, err := url.Parse(o)
		if err != nil {
			continue
		}
		h := globEscaper.Replace(u.Host)
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return out
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for part := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func isUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		headerHasToken(r.Header, "Connection", "upgrade") &&
		headerHasToken(r.Header, "Upgrade", "websocket")
}
