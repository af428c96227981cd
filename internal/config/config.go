// Package config loads engine configuration from RELAYSYNC_* environment
// variables, optionally seeded from a .env file, with defaults and
// validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/relaysync/internal/dispatch"
)

const envPrefix = "RELAYSYNC_"

type Config struct {
	// Server
	Addr            string
	MaxBodyBytes    int64
	RateLimitMax    int // control requests per client per window; 0 disables
	RateLimitWindow time.Duration
	AllowedOrigins  []string

	// Upstream
	UpstreamURL      string
	MaxResponseBytes int64
	HTTPTimeout      time.Duration

	// Storage
	BackendProfile    string // memory|durable-local|embedded|production|custom
	DataDir           string
	OutboxDSN         string
	CacheDSN          string
	PrefetchStatePath string

	// Cache scoping
	CacheGeneration string
	SessionCookie   string

	// Replay policy
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	ConflictStatuses []int
	WakeInterval     time.Duration
	WakeJitter       float64

	// Connectivity
	ProbeURL      string
	ProbeInterval time.Duration

	// Prefetch
	PrefetchMinInterval time.Duration
	PrefetchRate        float64 // fetches per second
	PrefetchURLs        []string

	// Broadcast
	MaxObservers   int
	ObserverBuffer int

	// Invalidation
	DetailPaths   []string
	ResourceParam string
	ListPaths     []string

	// Logging
	LogLevel  string
	LogPretty bool
}

// Policy returns the replay policy described by the configuration.
func (c Config) Policy() dispatch.Policy {
	return dispatch.Policy{
		MaxAttempts:      c.MaxAttempts,
		BaseDelay:        c.RetryBaseDelay,
		ConflictStatuses: append([]int(nil), c.ConflictStatuses...),
	}
}

// RequireUpstream reports an error unless an upstream URL is configured.
func (c Config) RequireUpstream() error {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return errors.New(envPrefix + "UPSTREAM_URL is required")
	}
	return nil
}

func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment (after merging RELAYSYNC_ENV_FILE, default
// .env, without overriding variables already set), applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	if err := loadDotEnv(getenv("ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:            getenv("ADDR", "127.0.0.1:8787"),
		MaxBodyBytes:    int64(getint("MAX_BODY_BYTES", 1<<20)),
		RateLimitMax:    getint("RATE_LIMIT_MAX", 0),
		RateLimitWindow: getdur("RATE_LIMIT_WINDOW", time.Minute),
		AllowedOrigins:  splitCSV(getenv("ALLOWED_ORIGINS", "")),

		UpstreamURL:      strings.TrimRight(strings.TrimSpace(getenv("UPSTREAM_URL", "")), "/"),
		MaxResponseBytes: int64(getint("MAX_RESPONSE_BYTES", 8<<20)),
		HTTPTimeout:      getdur("HTTP_TIMEOUT", 15*time.Second),

		BackendProfile: strings.ToLower(strings.TrimSpace(getenv("BACKEND_PROFILE", "durable-local"))),
		DataDir:        getenv("DATA_DIR", ".relaysync"),
		OutboxDSN:      strings.TrimSpace(getenv("OUTBOX_DSN", "")),
		CacheDSN:       strings.TrimSpace(getenv("CACHE_DSN", "")),

		CacheGeneration: strings.TrimSpace(getenv("CACHE_GENERATION", "v1")),
		SessionCookie:   strings.TrimSpace(getenv("SESSION_COOKIE", "PHPSESSID")),

		MaxAttempts:    getint("MAX_ATTEMPTS", 3),
		RetryBaseDelay: getdur("RETRY_BASE_DELAY", time.Second),
		WakeInterval:   getdur("WAKE_INTERVAL", 30*time.Second),
		WakeJitter:     getfloat("WAKE_JITTER", 0.2),

		ProbeURL:      strings.TrimSpace(getenv("PROBE_URL", "")),
		ProbeInterval: getdur("PROBE_INTERVAL", 10*time.Second),

		PrefetchMinInterval: getdur("PREFETCH_MIN_INTERVAL", 15*time.Minute),
		PrefetchRate:        getfloat("PREFETCH_RATE", 4),
		PrefetchURLs:        splitCSV(getenv("PREFETCH_URLS", "")),

		MaxObservers:   getint("MAX_OBSERVERS", 32),
		ObserverBuffer: getint("OBSERVER_BUFFER", 16),

		DetailPaths:   splitCSV(getenv("DETAIL_PATH", "/task.php")),
		ResourceParam: strings.TrimSpace(getenv("RESOURCE_PARAM", "id")),
		ListPaths:     splitCSV(getenv("LIST_PATHS", "/,/index.php,/completed.php")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
	}

	statuses, err := dispatch.ParseStatusList(getenv("CONFLICT_STATUSES", "409,412"))
	if err != nil {
		return cfg, fmt.Errorf("%sCONFLICT_STATUSES: %w", envPrefix, err)
	}
	cfg.ConflictStatuses = statuses

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.BackendProfile {
	case "inmemory":
		cfg.BackendProfile = "memory"
	case "local-durable", "":
		cfg.BackendProfile = "durable-local"
	case "prod":
		cfg.BackendProfile = "production"
	}
	if err := applyProfile(&cfg); err != nil {
		return cfg, err
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return cfg, errors.New(envPrefix + "LOG_LEVEL must be one of: trace, debug, info, warn, error, fatal, panic, disabled")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return cfg, errors.New(envPrefix + "ADDR must not be empty")
	}
	if cfg.UpstreamURL != "" {
		parsed, err := url.Parse(cfg.UpstreamURL)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return cfg, fmt.Errorf("%sUPSTREAM_URL must be an absolute url, got %q", envPrefix, cfg.UpstreamURL)
		}
	}
	if cfg.OutboxDSN == "" || cfg.CacheDSN == "" {
		return cfg, fmt.Errorf("%sOUTBOX_DSN and %sCACHE_DSN are required with BACKEND_PROFILE=%s", envPrefix, envPrefix, cfg.BackendProfile)
	}
	if cfg.CacheGeneration == "" || strings.Contains(cfg.CacheGeneration, "::") {
		return cfg, errors.New(envPrefix + "CACHE_GENERATION must be non-empty and must not contain '::'")
	}
	if cfg.SessionCookie == "" {
		return cfg, errors.New(envPrefix + "SESSION_COOKIE must not be empty")
	}
	if cfg.MaxAttempts < 1 {
		return cfg, errors.New(envPrefix + "MAX_ATTEMPTS must be >= 1")
	}
	if cfg.RetryBaseDelay <= 0 || cfg.HTTPTimeout <= 0 || cfg.ProbeInterval <= 0 || cfg.PrefetchMinInterval <= 0 {
		return cfg, errors.New("durations must be positive")
	}
	if cfg.WakeInterval < 0 {
		return cfg, errors.New(envPrefix + "WAKE_INTERVAL must be >= 0")
	}
	if cfg.WakeJitter < 0 || cfg.WakeJitter > 1 {
		return cfg, errors.New(envPrefix + "WAKE_JITTER must be in [0,1]")
	}
	if cfg.PrefetchRate <= 0 {
		return cfg, errors.New(envPrefix + "PREFETCH_RATE must be > 0")
	}
	if cfg.MaxObservers < 1 || cfg.ObserverBuffer < 1 {
		return cfg, errors.New(envPrefix + "MAX_OBSERVERS and OBSERVER_BUFFER must be >= 1")
	}
	if len(cfg.DetailPaths) == 0 || cfg.ResourceParam == "" {
		return cfg, errors.New(envPrefix + "DETAIL_PATH and RESOURCE_PARAM must not be empty")
	}
	if cfg.RateLimitMax < 0 || cfg.RateLimitWindow <= 0 {
		return cfg, errors.New(envPrefix + "RATE_LIMIT_MAX must be >= 0 and RATE_LIMIT_WINDOW positive")
	}
	if cfg.MaxBodyBytes <= 0 || cfg.MaxResponseBytes <= 0 {
		return cfg, errors.New(envPrefix + "MAX_BODY_BYTES and MAX_RESPONSE_BYTES must be > 0")
	}
	for _, u := range cfg.PrefetchURLs {
		if !dispatch.IsOriginRelative(u) {
			return cfg, fmt.Errorf("%sPREFETCH_URLS entry %q must be an origin-relative path", envPrefix, u)
		}
	}
	return cfg, nil
}

// applyProfile fills the storage DSNs a backend profile implies. Explicit
// DSNs always win.
func applyProfile(cfg *Config) error {
	var outboxDSN, cacheDSN, statePath string
	switch cfg.BackendProfile {
	case "custom":
	case "memory":
		outboxDSN, cacheDSN = "memory://", "memory://"
	case "durable-local":
		outboxDSN = "file://" + filepath.Join(cfg.DataDir, "outbox.json")
		cacheDSN = "file://" + filepath.Join(cfg.DataDir, "cache")
		statePath = filepath.Join(cfg.DataDir, "prefetch.json")
	case "embedded":
		outboxDSN = "sqlite://" + filepath.Join(cfg.DataDir, "relaysync.db")
		cacheDSN = outboxDSN
		statePath = filepath.Join(cfg.DataDir, "prefetch.json")
	case "production":
		productionDSN := strings.TrimSpace(getenv("POSTGRES_DSN", ""))
		if productionDSN == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required when %sBACKEND_PROFILE=production", envPrefix, envPrefix)
		}
		outboxDSN, cacheDSN = productionDSN, productionDSN
		statePath = filepath.Join(cfg.DataDir, "prefetch.json")
	default:
		return fmt.Errorf("unsupported %sBACKEND_PROFILE: %s", envPrefix, cfg.BackendProfile)
	}
	if cfg.OutboxDSN == "" {
		cfg.OutboxDSN = outboxDSN
	}
	if cfg.CacheDSN == "" {
		cfg.CacheDSN = cacheDSN
	}
	cfg.PrefetchStatePath = getenv("PREFETCH_STATE_PATH", statePath)
	return nil
}

func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "/s"), 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
