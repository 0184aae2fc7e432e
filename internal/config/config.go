// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// minSigningKeyLen is the shortest JWT signing key accepted (HS256 block size).
const minSigningKeyLen = 32

// Policy names used for RATE_<POLICY>_MAX / RATE_<POLICY>_WINDOW.
const (
	PolicyLogin      = "login"
	PolicyRegister   = "register"
	PolicyReset      = "reset"
	PolicyAPI        = "api"
	PolicyAutomation = "automation"
	PolicyTrade      = "trade"
)

// RatePolicy is a fixed-window limit: at most Max requests per Window.
type RatePolicy struct {
	Max    int
	Window time.Duration
}

// ExchangeConfig holds outbound exchange settings.
type ExchangeConfig struct {
	BaseURL           string
	TestnetBaseURL    string
	HeaderKey         string
	HeaderSign        string
	HeaderPassphrase  string
	HeaderTimestamp   string
	RequestsPerSecond int
}

// Config holds all env configuration vars for Bastion.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	Port         string
	CookieDomain string
	LogLevel     slog.Level

	// TrustedProxies are the peers whose X-Forwarded-For/X-Real-IP headers are believed.
	// Empty means every client is identified by its socket address.
	TrustedProxies []netip.Prefix

	// Vault key material. Passphrase is required; salt defaults to the vault's default salt.
	VaultPassphrase string
	VaultKDFSalt    string

	// JWTSigningKey signs bearer tokens. At least 32 bytes.
	JWTSigningKey []byte

	// StoreTimeout bounds every Postgres/Redis call.
	StoreTimeout time.Duration

	// Session lifetime. Idle TTL slides on activity; MaxLifetime caps it absolutely.
	SessionIdleTTL     time.Duration
	SessionMaxLifetime time.Duration
	CSRFTokenTTL       time.Duration
	BearerTokenTTL     time.Duration

	// Rate limit policies keyed by policy name.
	RatePolicies map[string]RatePolicy

	// Security event retention.
	SecurityEventRetention time.Duration
	SecurityEventMax       int

	// Alerting. Empty brokers disables Kafka and an empty SMTP host disables email;
	// alerts are always logged.
	AlertMinSeverity  string
	AlertKafkaBrokers []string
	AlertKafkaTopic   string
	AlertSMTP         SMTPConfig

	Exchange ExchangeConfig
}

// SMTPConfig configures alert email delivery. Host empty means disabled.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
}

// defaultPolicies mirrors the documented defaults for each named policy.
var defaultPolicies = map[string]RatePolicy{
	PolicyLogin:      {Max: 5, Window: 15 * time.Minute},
	PolicyRegister:   {Max: 3, Window: time.Hour},
	PolicyReset:      {Max: 3, Window: time.Hour},
	PolicyAPI:        {Max: 100, Window: time.Minute},
	PolicyAutomation: {Max: 20, Window: time.Minute},
	PolicyTrade:      {Max: 10, Window: time.Minute},
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables are missing or invalid.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.VaultPassphrase = os.Getenv("VAULT_PASSPHRASE")
	if cfg.VaultPassphrase == "" {
		return nil, fmt.Errorf("VAULT_PASSPHRASE is required")
	}
	cfg.VaultKDFSalt = os.Getenv("VAULT_KDF_SALT")

	key := os.Getenv("JWT_SIGNING_KEY")
	if len(key) < minSigningKeyLen {
		return nil, fmt.Errorf("JWT_SIGNING_KEY must be at least %d bytes", minSigningKeyLen)
	}
	cfg.JWTSigningKey = []byte(key)

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}
	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")

	proxies, err := parsePrefixes(envList("TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.StoreTimeout = envDuration("STORE_TIMEOUT", 3*time.Second)
	cfg.SessionIdleTTL = envDuration("SESSION_IDLE_TTL", 30*time.Minute)
	cfg.SessionMaxLifetime = envDuration("SESSION_MAX_LIFETIME", 24*time.Hour)
	if cfg.SessionMaxLifetime < cfg.SessionIdleTTL {
		return nil, fmt.Errorf("SESSION_MAX_LIFETIME must be >= SESSION_IDLE_TTL")
	}
	cfg.CSRFTokenTTL = envDuration("CSRF_TOKEN_TTL", time.Hour)
	cfg.BearerTokenTTL = envDuration("BEARER_TOKEN_TTL", time.Hour)

	// A misconfigured policy falls back to its default rather than disabling the limit.
	cfg.RatePolicies = make(map[string]RatePolicy, len(defaultPolicies))
	for name, def := range defaultPolicies {
		prefix := "RATE_" + strings.ToUpper(name)
		cfg.RatePolicies[name] = RatePolicy{
			Max:    envInt(prefix+"_MAX", def.Max),
			Window: envDuration(prefix+"_WINDOW", def.Window),
		}
	}

	cfg.SecurityEventRetention = envDuration("SECURITY_EVENT_RETENTION", 30*24*time.Hour)
	cfg.SecurityEventMax = envInt("SECURITY_EVENT_MAX", 10000)

	cfg.AlertMinSeverity = strings.ToLower(os.Getenv("ALERT_MIN_SEVERITY"))
	switch cfg.AlertMinSeverity {
	case "":
		cfg.AlertMinSeverity = "high"
	case "low", "medium", "high", "critical":
	default:
		return nil, fmt.Errorf("ALERT_MIN_SEVERITY must be one of low, medium, high, critical")
	}
	cfg.AlertKafkaBrokers = envList("ALERT_KAFKA_BROKERS")
	cfg.AlertKafkaTopic = envString("ALERT_KAFKA_TOPIC", "security-alerts")

	cfg.AlertSMTP = SMTPConfig{
		Host:     os.Getenv("ALERT_SMTP_HOST"),
		Port:     envString("ALERT_SMTP_PORT", "587"),
		Username: os.Getenv("ALERT_SMTP_USERNAME"),
		Password: os.Getenv("ALERT_SMTP_PASSWORD"),
		From:     os.Getenv("ALERT_SMTP_FROM"),
		To:       envList("ALERT_SMTP_TO"),
	}
	if cfg.AlertSMTP.Host != "" && (cfg.AlertSMTP.From == "" || len(cfg.AlertSMTP.To) == 0) {
		return nil, fmt.Errorf("ALERT_SMTP_FROM and ALERT_SMTP_TO are required when ALERT_SMTP_HOST is set")
	}

	cfg.Exchange = ExchangeConfig{
		BaseURL:           os.Getenv("EXCHANGE_BASE_URL"),
		TestnetBaseURL:    os.Getenv("EXCHANGE_TESTNET_BASE_URL"),
		HeaderKey:         envString("EXCHANGE_HEADER_KEY", "ACCESS-KEY"),
		HeaderSign:        envString("EXCHANGE_HEADER_SIGN", "ACCESS-SIGN"),
		HeaderPassphrase:  envString("EXCHANGE_HEADER_PASSPHRASE", "ACCESS-PASSPHRASE"),
		HeaderTimestamp:   envString("EXCHANGE_HEADER_TIMESTAMP", "ACCESS-TIMESTAMP"),
		RequestsPerSecond: envInt("EXCHANGE_REQUESTS_PER_SECOND", 10),
	}
	for _, u := range []string{cfg.Exchange.BaseURL, cfg.Exchange.TestnetBaseURL} {
		if u != "" && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("exchange base URLs must start with https://")
		}
	}

	return cfg, nil
}

// envString reads an env var, returning def if missing.
func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envList reads a comma-separated env var, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePrefixes accepts CIDRs and bare addresses; a bare address is a single-host prefix.
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
