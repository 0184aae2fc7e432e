package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/bastion/internal/alert"
	"github.com/MGallo-Code/bastion/internal/auth"
	"github.com/MGallo-Code/bastion/internal/config"
	"github.com/MGallo-Code/bastion/internal/exchange"
	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/vault"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (stores, vault key, alert sinks) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	applied, err := ps.Migrate(ctx, migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("migrations complete", "applied", applied)

	// Shared Redis client; sessions, CSRF, rate limits, events and the alert queue share one pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL, cfg.StoreTimeout)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()
	rs := store.NewRedisStore(rdb, cfg.StoreTimeout)

	// Derive the vault key once; it is zeroed on the way out.
	cipher, err := vault.NewCipher(vault.NewKeyDeriver(cfg.VaultKDFSalt), cfg.VaultPassphrase)
	if err != nil {
		return fmt.Errorf("failed to set up vault: %w", err)
	}
	defer cipher.Close()
	if cfg.VaultKDFSalt == "" {
		slog.Warn("VAULT_KDF_SALT unset, using the default salt")
	}

	rec, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	// Alerts always reach the log; Kafka and email are added when configured.
	sinks := alert.Fanout{alert.LogSink{}}
	if len(cfg.AlertKafkaBrokers) > 0 {
		ks := alert.NewKafkaSink(cfg.AlertKafkaBrokers, cfg.AlertKafkaTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	if cfg.AlertSMTP.Host != "" {
		sinks = append(sinks, alert.NewSMTPSink(alert.SMTPConfig{
			Host:        cfg.AlertSMTP.Host,
			Port:        cfg.AlertSMTP.Port,
			Username:    cfg.AlertSMTP.Username,
			Password:    cfg.AlertSMTP.Password,
			FromAddress: cfg.AlertSMTP.From,
			To:          cfg.AlertSMTP.To,
		}))
	}
	notifier := alert.NewQueuedNotifier(sinks, rdb, alert.DefaultMaxQueueSize)

	alertAt, err := auth.ParseSeverity(cfg.AlertMinSeverity)
	if err != nil {
		return fmt.Errorf("invalid alert severity: %w", err)
	}

	policies := make([]auth.Policy, 0, len(cfg.RatePolicies))
	for name, p := range cfg.RatePolicies {
		policies = append(policies, auth.NewPolicy(name, p.Max, p.Window))
	}
	limiter := auth.NewRateLimiter(rs, rec, policies...)

	events := auth.NewSecurityEventLog(rs, notifier, alertAt, cfg.SecurityEventMax, cfg.SecurityEventRetention, rec)
	sessions := auth.NewSessionStore(rs, ps, cfg.SessionIdleTTL, cfg.SessionMaxLifetime)
	csrf := auth.NewCSRFGuard(rs, cfg.CSRFTokenTTL)
	bearer := auth.NewBearerTokens(cfg.JWTSigningKey, cfg.BearerTokenTTL)

	exch := exchange.NewClient(exchange.Config{
		BaseURL:        cfg.Exchange.BaseURL,
		TestnetBaseURL: cfg.Exchange.TestnetBaseURL,
		Headers: exchange.HeaderNames{
			AccessKey:  cfg.Exchange.HeaderKey,
			Signature:  cfg.Exchange.HeaderSign,
			Passphrase: cfg.Exchange.HeaderPassphrase,
			Timestamp:  cfg.Exchange.HeaderTimestamp,
		},
		RequestsPerSecond: float64(cfg.Exchange.RequestsPerSecond),
		Metrics:           rec,
	})

	h := &auth.AuthHandler{
		PS:       ps,
		RS:       rs,
		Vault:    cipher,
		Exchange: exch,
		Limiter:  limiter,
		Sessions: sessions,
		CSRF:     csrf,
		Bearer:   bearer,
		Events:   events,
		Metrics:  rec,
		Policy:   auth.PasswordPolicy{MinLength: 12, MaxLength: 128},
	}
	p := &auth.Pipeline{
		Limiter:   limiter,
		Sessions:  sessions,
		CSRF:      csrf,
		Ownership: auth.NewOwnershipGuard(ps, events, rec),
		Bearer:    bearer,
		Events:    events,
		Metrics:   rec,

		TrustedProxies: cfg.TrustedProxies,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h, p)}

	// Alert worker drains the queue until run() returns.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go notifier.StartWorker(workerCtx)

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("bastion listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns, then waits for in-flight requests or the timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Every authenticated route goes through p.Protect; it must be mounted with
// r.With so chi has resolved URL params before the ownership guard reads them.
func buildRouter(h *auth.AuthHandler, p *auth.Pipeline) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(p.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)

	api := p.Protect(auth.Route{Policy: auth.PolicyAPI})
	r.With(api).Get("/me", h.Me)
	r.With(api).Get("/csrf", h.IssueCSRF)
	r.With(api).Post("/logout", h.Logout)
	r.With(api).Post("/logout-all", h.LogoutAll)
	r.With(api).Post("/tokens", h.IssueBearerToken)
	r.With(api).Post("/password/change", h.PasswordChange)
	r.With(api).Put("/credentials", h.PutCredentials)
	r.With(api).Get("/credentials", h.GetCredentials)
	r.With(api).Delete("/credentials", h.DeleteCredentials)
	r.With(api).Get("/security/events", h.ListSecurityEvents)

	automation := p.Protect(auth.Route{
		Policy:        auth.PolicyAutomation,
		ResourceType:  store.ResourceAutomation,
		ResourceParam: auth.AutomationParam,
	})
	trade := p.Protect(auth.Route{
		Policy:        auth.PolicyTrade,
		ResourceType:  store.ResourceAutomation,
		ResourceParam: auth.AutomationParam,
	})
	r.With(p.Protect(auth.Route{Policy: auth.PolicyAutomation})).Post("/automations", h.CreateAutomation)
	r.With(automation).Get("/automations/{automationID}", h.GetAutomation)
	r.With(automation).Delete("/automations/{automationID}", h.DeleteAutomation)
	r.With(trade).Post("/automations/{automationID}/orders", h.PlaceOrder)

	return r
}
