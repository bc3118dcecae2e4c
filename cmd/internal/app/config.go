package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bazaar/cmd/internal/realtime"
)

// Config contains all runtime configuration. Values come from an optional .env
// file and the environment; the environment wins.
type Config struct {
	HTTPAddr  string `mapstructure:"BAZAAR_HTTP_ADDR"`
	RoomAddr  string `mapstructure:"BAZAAR_ROOM_ADDR"`
	LogLevel  string `mapstructure:"BAZAAR_LOG_LEVEL"`
	LogFormat string `mapstructure:"BAZAAR_LOG_FORMAT"`

	ReadHeaderTimeout time.Duration `mapstructure:"BAZAAR_HTTP_READ_HEADER_TIMEOUT"`
	// Read and write timeouts default to none: upgraded connections inherit them.
	ReadTimeout    time.Duration `mapstructure:"BAZAAR_HTTP_READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"BAZAAR_HTTP_WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `mapstructure:"BAZAAR_HTTP_IDLE_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"BAZAAR_HTTP_MAX_HEADER_BYTES"`

	DatabaseURL string `mapstructure:"BAZAAR_DATABASE_URL"`
	DBSchema    string `mapstructure:"BAZAAR_DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"BAZAAR_DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"BAZAAR_DB_MIN_CONNS"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `mapstructure:"BAZAAR_READINESS_REQUIRE_DB"`

	RedisURL string `mapstructure:"BAZAAR_REDIS_URL"`

	SessionSecret    string        `mapstructure:"BAZAAR_SESSION_SECRET"`
	SessionTTL       time.Duration `mapstructure:"BAZAAR_SESSION_TTL"`
	SessionCookie    string        `mapstructure:"BAZAAR_SESSION_COOKIE"`
	CapabilitySecret string        `mapstructure:"BAZAAR_CAPABILITY_SECRET"`
	AdminKey         string        `mapstructure:"BAZAAR_ADMIN_KEY"`

	PublicOrigin string `mapstructure:"BAZAAR_PUBLIC_ORIGIN"`
	LoginPath    string `mapstructure:"BAZAAR_LOGIN_PATH"`
	TrustProxy   bool   `mapstructure:"BAZAAR_TRUST_PROXY"`

	// RoomBackends is a comma-separated list of room process base URLs.
	// Empty serves rooms in-process.
	RoomBackends string `mapstructure:"BAZAAR_ROOM_BACKENDS"`

	PresenceWindow     time.Duration `mapstructure:"BAZAAR_PRESENCE_WINDOW"`
	PresenceGrace      time.Duration `mapstructure:"BAZAAR_PRESENCE_GRACE"`
	ActivityWriteEvery time.Duration `mapstructure:"BAZAAR_ACTIVITY_WRITE_EVERY"`

	LoginIPMax    int           `mapstructure:"BAZAAR_LOGIN_IP_MAX"`
	LoginIPWindow time.Duration `mapstructure:"BAZAAR_LOGIN_IP_WINDOW"`

	Argon2MemoryKiB   uint32 `mapstructure:"BAZAAR_ARGON2_MEMORY_KIB"`
	Argon2Iterations  uint32 `mapstructure:"BAZAAR_ARGON2_ITERATIONS"`
	Argon2Parallelism uint8  `mapstructure:"BAZAAR_ARGON2_PARALLELISM"`

	MetricsEnabled bool `mapstructure:"BAZAAR_METRICS_ENABLED"`

	// DevSeed creates demo accounts when no database is configured.
	DevSeed     bool   `mapstructure:"BAZAAR_DEV_SEED"`
	DevPassword string `mapstructure:"BAZAAR_DEV_PASSWORD"`
}

var defaults = map[string]any{
	"BAZAAR_HTTP_ADDR":  "0.0.0.0:8080",
	"BAZAAR_ROOM_ADDR":  "0.0.0.0:8090",
	"BAZAAR_LOG_LEVEL":  "info",
	"BAZAAR_LOG_FORMAT": "json",

	"BAZAAR_HTTP_READ_HEADER_TIMEOUT": 5 * time.Second,
	"BAZAAR_HTTP_READ_TIMEOUT":        time.Duration(0),
	"BAZAAR_HTTP_WRITE_TIMEOUT":       time.Duration(0),
	"BAZAAR_HTTP_IDLE_TIMEOUT":        60 * time.Second,
	"BAZAAR_HTTP_MAX_HEADER_BYTES":    1 << 20,

	"BAZAAR_DATABASE_URL":         "",
	"BAZAAR_DB_SCHEMA":            "bazaar",
	"BAZAAR_DB_MAX_CONNS":         10,
	"BAZAAR_DB_MIN_CONNS":         0,
	"BAZAAR_READINESS_REQUIRE_DB": false,
	"BAZAAR_REDIS_URL":            "",

	"BAZAAR_SESSION_SECRET":    "",
	"BAZAAR_SESSION_TTL":       7 * 24 * time.Hour,
	"BAZAAR_SESSION_COOKIE":    "bazaar_session",
	"BAZAAR_CAPABILITY_SECRET": "",
	"BAZAAR_ADMIN_KEY":         "",

	"BAZAAR_PUBLIC_ORIGIN": "",
	"BAZAAR_LOGIN_PATH":    "/login",
	"BAZAAR_TRUST_PROXY":   false,
	"BAZAAR_ROOM_BACKENDS": "",

	"BAZAAR_PRESENCE_WINDOW":      60 * time.Second,
	"BAZAAR_PRESENCE_GRACE":       45 * time.Second,
	"BAZAAR_ACTIVITY_WRITE_EVERY": 30 * time.Second,

	"BAZAAR_LOGIN_IP_MAX":    20,
	"BAZAAR_LOGIN_IP_WINDOW": 5 * time.Minute,

	"BAZAAR_ARGON2_MEMORY_KIB":  64 * 1024,
	"BAZAAR_ARGON2_ITERATIONS":  3,
	"BAZAAR_ARGON2_PARALLELISM": 2,

	"BAZAAR_METRICS_ENABLED": true,

	"BAZAAR_DEV_SEED":     false,
	"BAZAAR_DEV_PASSWORD": "",
}

// LoadConfig reads .env (if present), then the environment, and validates the result.
func LoadConfig() (Config, error) {
	return loadConfig(".env")
}

func loadConfig(envFile string) (Config, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // a missing file is fine
	}

	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.RoomAddr = strings.TrimSpace(c.RoomAddr)
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.PublicOrigin = strings.TrimSpace(c.PublicOrigin)
	c.LoginPath = strings.TrimSpace(c.LoginPath)
	c.DBSchema = strings.TrimSpace(c.DBSchema)
}

// Validate checks the static shape of the config. Secrets are checked by
// ValidateSecurityConfig.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: BAZAAR_HTTP_ADDR must be set")
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: BAZAAR_LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 {
		return errors.New("config: BAZAAR_DB_MAX_CONNS and BAZAAR_DB_MIN_CONNS must not be negative")
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return errors.New("config: BAZAAR_DB_MIN_CONNS exceeds BAZAAR_DB_MAX_CONNS")
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return errors.New("config: BAZAAR_READINESS_REQUIRE_DB=true but BAZAAR_DATABASE_URL is empty")
	}
	if c.SessionTTL < time.Second {
		return errors.New("config: BAZAAR_SESSION_TTL must be at least 1s")
	}
	if c.PublicOrigin != "" {
		if _, ok := realtime.CanonicalOrigin(c.PublicOrigin); !ok {
			return fmt.Errorf("config: BAZAAR_PUBLIC_ORIGIN %q is not a scheme://host[:port] origin", c.PublicOrigin)
		}
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return errors.New("config: BAZAAR_LOGIN_PATH must start with /")
	}
	if c.PresenceWindow <= 0 || c.PresenceGrace <= 0 {
		return errors.New("config: presence window and grace must be positive")
	}
	if c.DevSeed && c.DatabaseURL == "" && c.DevPassword == "" {
		return errors.New("config: BAZAAR_DEV_SEED=true requires BAZAAR_DEV_PASSWORD")
	}
	return nil
}

// RoomBackendList returns room process base URLs from the comma-separated setting.
func (c Config) RoomBackendList() []string {
	if strings.TrimSpace(c.RoomBackends) == "" {
		return nil
	}
	parts := strings.Split(c.RoomBackends, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AllowedOrigins returns the browser origins the room server accepts.
func (c Config) AllowedOrigins() []string {
	if c.PublicOrigin == "" {
		return nil
	}
	return []string{c.PublicOrigin}
}
