package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.RoomAddr != "0.0.0.0:8090" {
		t.Fatalf("addrs: %q %q", cfg.HTTPAddr, cfg.RoomAddr)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Fatalf("log: %q %q", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.SessionTTL != 7*24*time.Hour || cfg.SessionCookie != "bazaar_session" {
		t.Fatalf("session: %v %q", cfg.SessionTTL, cfg.SessionCookie)
	}
	if cfg.PresenceWindow != time.Minute || cfg.PresenceGrace != 45*time.Second {
		t.Fatalf("presence: %v %v", cfg.PresenceWindow, cfg.PresenceGrace)
	}
	if cfg.ReadTimeout != 0 || cfg.WriteTimeout != 0 {
		t.Fatalf("read/write timeouts must default to none: %v %v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.LoginPath != "/login" || !cfg.MetricsEnabled {
		t.Fatalf("login path / metrics: %q %v", cfg.LoginPath, cfg.MetricsEnabled)
	}
	if cfg.RoomBackendList() != nil {
		t.Fatalf("expected in-process rooms by default")
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("BAZAAR_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("BAZAAR_LOG_FORMAT", "Pretty")
	t.Setenv("BAZAAR_SESSION_TTL", "2h")
	t.Setenv("BAZAAR_DB_MAX_CONNS", "25")
	t.Setenv("BAZAAR_ARGON2_PARALLELISM", "4")
	t.Setenv("BAZAAR_PUBLIC_ORIGIN", "https://bazaar.example")
	t.Setenv("BAZAAR_ROOM_BACKENDS", " http://room-a:8090, ,http://room-b:8090 ")
	t.Setenv("BAZAAR_METRICS_ENABLED", "false")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogFormat != "pretty" {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("SessionTTL=%v", cfg.SessionTTL)
	}
	if cfg.DBMaxConns != 25 || cfg.Argon2Parallelism != 4 {
		t.Fatalf("DBMaxConns=%d Argon2Parallelism=%d", cfg.DBMaxConns, cfg.Argon2Parallelism)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("metrics should be disabled")
	}
	got := cfg.RoomBackendList()
	if len(got) != 2 || got[0] != "http://room-a:8090" || got[1] != "http://room-b:8090" {
		t.Fatalf("RoomBackendList=%v", got)
	}
	if o := cfg.AllowedOrigins(); len(o) != 1 || o[0] != "https://bazaar.example" {
		t.Fatalf("AllowedOrigins=%v", o)
	}
}

func TestConfigValidate(t *testing.T) {
	base, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = "" }, want: "BAZAAR_HTTP_ADDR"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, want: "BAZAAR_LOG_FORMAT"},
		{name: "min over max", mutate: func(c *Config) { c.DBMaxConns, c.DBMinConns = 2, 5 }, want: "BAZAAR_DB_MIN_CONNS"},
		{name: "require db without url", mutate: func(c *Config) { c.ReadinessRequireDB = true }, want: "BAZAAR_READINESS_REQUIRE_DB"},
		{name: "short session ttl", mutate: func(c *Config) { c.SessionTTL = time.Millisecond }, want: "BAZAAR_SESSION_TTL"},
		{name: "origin with path", mutate: func(c *Config) { c.PublicOrigin = "https://bazaar.example/app" }, want: "BAZAAR_PUBLIC_ORIGIN"},
		{name: "relative login path", mutate: func(c *Config) { c.LoginPath = "login" }, want: "BAZAAR_LOGIN_PATH"},
		{name: "seed without password", mutate: func(c *Config) { c.DevSeed = true }, want: "BAZAAR_DEV_PASSWORD"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate()=%v, want error mentioning %s", err, tc.want)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	const (
		sessionSecret = "session-secret-session-secret-32b"
		capSecret     = "capability-secret-capability-32b!"
	)

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "ok", cfg: Config{SessionSecret: sessionSecret, CapabilitySecret: capSecret}},
		{name: "missing session", cfg: Config{CapabilitySecret: capSecret}, wantErr: "BAZAAR_SESSION_SECRET is missing"},
		{name: "short capability", cfg: Config{SessionSecret: sessionSecret, CapabilitySecret: "short"}, wantErr: "too short"},
		{name: "shared secret", cfg: Config{SessionSecret: sessionSecret, CapabilitySecret: sessionSecret}, wantErr: "must differ"},
		{name: "short admin key", cfg: Config{SessionSecret: sessionSecret, CapabilitySecret: capSecret, AdminKey: "k"}, wantErr: "BAZAAR_ADMIN_KEY"},
	}

	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg)
		switch {
		case tc.wantErr == "" && err != nil:
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
			t.Fatalf("%s: got %v want %q", tc.name, err, tc.wantErr)
		}
	}

	if err := ValidateRoomSecurityConfig(Config{CapabilitySecret: capSecret}); err == nil {
		t.Fatalf("room process without public origin must fail")
	}
	if err := ValidateRoomSecurityConfig(Config{CapabilitySecret: capSecret, PublicOrigin: "https://bazaar.example"}); err != nil {
		t.Fatalf("room process config: %v", err)
	}
}
