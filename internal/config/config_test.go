package config

import (
	"testing"
	"time"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	// Helper sets the minimum required env vars for a valid config
	setRequired := func(t *testing.T) {
		t.Helper()
		t.Setenv("DATABASE_URL", "postgres://localhost/bastion")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("VAULT_PASSPHRASE", "correct horse battery staple")
		t.Setenv("JWT_SIGNING_KEY", testSigningKey)
	}

	t.Run("returns valid config with all required vars", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/bastion" {
			t.Errorf("DatabaseURL: expected %q, got %q", "postgres://localhost/bastion", cfg.DatabaseURL)
		}
		if string(cfg.JWTSigningKey) != testSigningKey {
			t.Errorf("JWTSigningKey: expected %q, got %q", testSigningKey, cfg.JWTSigningKey)
		}
	})

	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "VAULT_PASSPHRASE", "JWT_SIGNING_KEY"} {
		t.Run("errors when "+key+" is missing", func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")

			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error for missing %s, got nil", key)
			}
		})
	}

	t.Run("errors when JWT_SIGNING_KEY is too short", func(t *testing.T) {
		setRequired(t)
		t.Setenv("JWT_SIGNING_KEY", "short")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for short JWT_SIGNING_KEY, got nil")
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Port != "7865" {
			t.Errorf("Port: expected %q, got %q", "7865", cfg.Port)
		}
		if cfg.SessionIdleTTL != 30*time.Minute {
			t.Errorf("SessionIdleTTL: expected 30m, got %v", cfg.SessionIdleTTL)
		}
		if cfg.SessionMaxLifetime != 24*time.Hour {
			t.Errorf("SessionMaxLifetime: expected 24h, got %v", cfg.SessionMaxLifetime)
		}
		if cfg.AlertMinSeverity != "high" {
			t.Errorf("AlertMinSeverity: expected %q, got %q", "high", cfg.AlertMinSeverity)
		}
		if cfg.AlertKafkaBrokers != nil {
			t.Errorf("AlertKafkaBrokers: expected nil, got %v", cfg.AlertKafkaBrokers)
		}
		if cfg.Exchange.HeaderSign != "ACCESS-SIGN" {
			t.Errorf("HeaderSign: expected %q, got %q", "ACCESS-SIGN", cfg.Exchange.HeaderSign)
		}
		login := cfg.RatePolicies[PolicyLogin]
		if login.Max != 5 || login.Window != 15*time.Minute {
			t.Errorf("login policy: expected 5/15m, got %d/%v", login.Max, login.Window)
		}
	})

	t.Run("overrides rate policy from env", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RATE_TRADE_MAX", "42")
		t.Setenv("RATE_TRADE_WINDOW", "2m")

		cfg, _ := LoadConfig()
		trade := cfg.RatePolicies[PolicyTrade]
		if trade.Max != 42 || trade.Window != 2*time.Minute {
			t.Errorf("trade policy: expected 42/2m, got %d/%v", trade.Max, trade.Window)
		}
	})

	t.Run("invalid policy values fall back to defaults", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RATE_API_MAX", "-1")
		t.Setenv("RATE_API_WINDOW", "forever")

		cfg, _ := LoadConfig()
		api := cfg.RatePolicies[PolicyAPI]
		if api.Max != 100 || api.Window != time.Minute {
			t.Errorf("api policy: expected 100/1m, got %d/%v", api.Max, api.Window)
		}
	})

	t.Run("parses kafka broker list", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ALERT_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")

		cfg, _ := LoadConfig()
		if len(cfg.AlertKafkaBrokers) != 2 || cfg.AlertKafkaBrokers[1] != "kafka-2:9092" {
			t.Errorf("AlertKafkaBrokers: expected 2 trimmed entries, got %v", cfg.AlertKafkaBrokers)
		}
	})

	t.Run("trusts no proxies by default", func(t *testing.T) {
		setRequired(t)
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(cfg.TrustedProxies) != 0 {
			t.Errorf("TrustedProxies: expected none, got %v", cfg.TrustedProxies)
		}
	})

	t.Run("parses trusted proxies", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.7 ,fd00::/8")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		want := []string{"10.0.0.0/8", "192.168.1.7/32", "fd00::/8"}
		if len(cfg.TrustedProxies) != len(want) {
			t.Fatalf("TrustedProxies: expected %v, got %v", want, cfg.TrustedProxies)
		}
		for i, w := range want {
			if got := cfg.TrustedProxies[i].String(); got != w {
				t.Errorf("TrustedProxies[%d]: expected %q, got %q", i, w, got)
			}
		}
	})

	t.Run("rejects malformed trusted proxy", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,not-an-ip")
		if _, err := LoadConfig(); err == nil {
			t.Error("expected error for malformed TRUSTED_PROXIES")
		}
	})

	t.Run("parses smtp alert settings", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ALERT_SMTP_HOST", "smtp.example.com")
		t.Setenv("ALERT_SMTP_FROM", "alerts@example.com")
		t.Setenv("ALERT_SMTP_TO", "oncall@example.com,sec@example.com")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.AlertSMTP.Port != "587" {
			t.Errorf("AlertSMTP.Port: expected default 587, got %q", cfg.AlertSMTP.Port)
		}
		if len(cfg.AlertSMTP.To) != 2 {
			t.Errorf("AlertSMTP.To: expected 2 recipients, got %v", cfg.AlertSMTP.To)
		}
	})

	t.Run("rejects smtp host without recipients", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ALERT_SMTP_HOST", "smtp.example.com")
		t.Setenv("ALERT_SMTP_FROM", "alerts@example.com")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for smtp host without ALERT_SMTP_TO, got nil")
		}
	})

	t.Run("rejects unknown alert severity", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ALERT_MIN_SEVERITY", "urgent")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for unknown ALERT_MIN_SEVERITY, got nil")
		}
	})

	t.Run("rejects max lifetime shorter than idle ttl", func(t *testing.T) {
		setRequired(t)
		t.Setenv("SESSION_IDLE_TTL", "2h")
		t.Setenv("SESSION_MAX_LIFETIME", "1h")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error, got nil")
		}
	})

	t.Run("rejects plain http exchange url", func(t *testing.T) {
		setRequired(t)
		t.Setenv("EXCHANGE_BASE_URL", "http://api.example.com")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for http exchange url, got nil")
		}
	})
}

// --- env helpers ---

func TestEnvHelpers(t *testing.T) {
	t.Run("envInt parses positive ints", func(t *testing.T) {
		t.Setenv("TEST_INT", "7")
		if got := envInt("TEST_INT", 1); got != 7 {
			t.Errorf("expected 7, got %d", got)
		}
	})

	t.Run("envDuration falls back on garbage", func(t *testing.T) {
		t.Setenv("TEST_DUR", "abc")
		if got := envDuration("TEST_DUR", time.Second); got != time.Second {
			t.Errorf("expected 1s, got %v", got)
		}
	})

	t.Run("envString falls back when empty", func(t *testing.T) {
		t.Setenv("TEST_STR", "")
		if got := envString("TEST_STR", "x"); got != "x" {
			t.Errorf("expected %q, got %q", "x", got)
		}
	})
}
