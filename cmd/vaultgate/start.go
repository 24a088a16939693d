package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vauntico/vaultgate/internal/api"
	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/auth"
	"github.com/vauntico/vaultgate/internal/collab"
	"github.com/vauntico/vaultgate/internal/config"
	"github.com/vauntico/vaultgate/internal/db"
	"github.com/vauntico/vaultgate/internal/events"
	"github.com/vauntico/vaultgate/internal/inbox"
	"github.com/vauntico/vaultgate/internal/lock"
	"github.com/vauntico/vaultgate/internal/log"
	"github.com/vauntico/vaultgate/internal/metrics"
	"github.com/vauntico/vaultgate/internal/replay"
	"github.com/vauntico/vaultgate/internal/storage"
	"github.com/vauntico/vaultgate/internal/webhook"
)

const (
	eventBacklog      = 256
	auditDrainTimeout = 5 * time.Second
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("vaultgate starting", "version", version, "config", *configPath)

	if cfg.Service.LockPath != "" {
		pidLock, err := lock.Acquire(cfg.Service.LockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log.Get())
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("vaultgate running (press Ctrl+C to stop)")
	runErr := a.run(ctx)
	a.shutdown()

	if runErr != nil {
		logger.Error("component failed", "error", runErr)
		return 1
	}
	logger.Info("vaultgate stopped")
	return 0
}

// app is a fully wired gateway: pool, audit pipeline, nonce store and the
// two HTTP servers.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool *db.Pool
	exec *db.Executor

	audit    *audit.AsyncSink
	fileSink *audit.FileSink
	sqlSink  *audit.SQLSink
	hub      *events.Hub

	nonces replay.NonceStore
	redis  *replay.RedisStore

	webhook  *webhook.Server
	api      *api.Server
	gatherer prometheus.Gatherer
}

// newApp opens every resource cfg asks for. On error whatever was opened is
// closed again.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, hub: events.NewHub(eventBacklog)}
	defer func() {
		if err != nil {
			a.shutdown()
		}
	}()

	if err := a.openDatabase(ctx); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewPoolCollector(a.pool))
	a.gatherer = prometheus.Gatherers{prometheus.DefaultGatherer, registry}

	if err := a.openAudit(); err != nil {
		return nil, err
	}

	if cfg.Replay.RedisURL != "" {
		rs, err := replay.NewRedisStore(ctx, cfg.Replay.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("replay nonce store: %w", err)
		}
		a.redis = rs
		a.nonces = rs
		logger.Info("nonce store ready", "backend", "redis")
	} else {
		a.nonces = replay.NewMemoryStore()
		logger.Info("nonce store ready", "backend", "memory")
	}

	if err := a.buildWebhook(); err != nil {
		return nil, err
	}
	if cfg.API.Enabled {
		a.buildAPI()
	}
	return a, nil
}

func (a *app) openDatabase(ctx context.Context) error {
	pool, exec, err := openDatabase(ctx, a.cfg, log.WithComponent("db"))
	if err != nil {
		return err
	}
	a.pool, a.exec = pool, exec
	a.logger.Info("database ready", "dialect", pool.Dialect(), "max", pool.Config().Max)
	return nil
}

// openDatabase opens the pool, bootstraps the schema and returns an
// executor that logs slow queries and feeds the query metrics.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.Pool, *db.Executor, error) {
	dc := cfg.Database
	pool, err := db.Open(ctx, db.Config{
		URL:               dc.URL,
		Max:               dc.Max,
		Min:               dc.Min,
		IdleTimeout:       dc.IdleTimeout,
		ConnectionTimeout: dc.ConnectionTimeout,
		SSL:               dc.SSL,
		ShutdownTimeout:   dc.ShutdownTimeout,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", storage.Redact(dc.URL), err)
	}

	if err := pool.WithConn(ctx, func(c *sql.Conn) error {
		return storage.Bootstrap(ctx, c, pool.Dialect())
	}); err != nil {
		_ = pool.Shutdown(context.Background())
		return nil, nil, err
	}

	exec := db.NewExecutor(pool, logger,
		db.NewSlowQueryLog(logger, dc.SlowQuery, dc.VerySlowQuery),
		metrics.QueryObserver{},
	)
	return pool, exec, nil
}

func (a *app) openAudit() error {
	var sinks audit.MultiSink
	switch a.cfg.Audit.Sink {
	case config.AuditSinkFile, config.AuditSinkBoth:
		fs, err := audit.NewFileSink(a.cfg.Audit.Path)
		if err != nil {
			return err
		}
		a.fileSink = fs
		sinks = append(sinks, fs)
	}
	switch a.cfg.Audit.Sink {
	case config.AuditSinkDatabase, config.AuditSinkBoth:
		a.sqlSink = audit.NewSQLSink(a.exec)
		sinks = append(sinks, a.sqlSink)
	}
	sinks = append(sinks, events.Sink{Hub: a.hub})

	a.audit = audit.NewAsyncSink(sinks, a.cfg.Audit.Buffer, log.WithComponent("audit"))
	return nil
}

func (a *app) buildWebhook() error {
	if a.cfg.Webhooks == nil || len(a.cfg.Webhooks.Integrations) == 0 {
		a.logger.Warn("no webhook integrations configured")
		a.webhook = webhook.New(webhook.Config{Listen: a.webhookListen()}, a.audit, a.nonces, log.WithComponent("webhook"))
		return nil
	}

	wc, err := webhook.FromGlobalConfig(a.cfg)
	if err != nil {
		return err
	}

	var sender collab.EmailSender
	if a.cfg.Email.ResendAPIKey != "" {
		sender = collab.NewResendClient(a.cfg.Email.ResendAPIKey, a.cfg.Email.From, collab.WithBaseURL(a.cfg.Email.BaseURL))
	}
	store := inbox.NewStore(a.exec)

	for i, ic := range a.cfg.Webhooks.Integrations {
		h, err := inbox.NewHandler(inbox.Options{
			Kind:    ic.Handler,
			Store:   store,
			Alerter: inbox.NewAlerter(sender, ic.AlertEmail, log.WithIntegration(ic.Name)),
			Logger:  log.WithIntegration(ic.Name),
		})
		if err != nil {
			return fmt.Errorf("webhook integration %q: %w", ic.Name, err)
		}
		wc.Integrations[i].Handler = h
	}

	a.webhook = webhook.New(wc, a.audit, a.nonces, log.WithComponent("webhook"))
	a.logger.Info("webhook gateway configured", "listen", wc.Listen, "integrations", len(wc.Integrations))
	return nil
}

func (a *app) webhookListen() string {
	if a.cfg.Webhooks != nil && a.cfg.Webhooks.Listen != "" {
		return a.cfg.Webhooks.Listen
	}
	return "127.0.0.1:8081"
}

func (a *app) buildAPI() {
	tokens := make([]auth.TokenConfig, 0, len(a.cfg.API.Auth.Tokens))
	for _, t := range a.cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}

	var integrations []api.Integration
	if a.cfg.Webhooks != nil {
		for _, ic := range a.cfg.Webhooks.Integrations {
			scheme, err := webhook.BuildScheme(ic)
			if err != nil {
				continue
			}
			integrations = append(integrations, api.Integration{
				Name:            ic.Name,
				Path:            ic.Path,
				SignatureHeader: scheme.SignatureHeader,
				TimestampHeader: scheme.TimestampHeader,
				IDHeader:        scheme.IDHeader,
			})
		}
	}

	deps := api.Deps{
		Health:   a.exec,
		Pool:     a.pool,
		Hub:      a.hub,
		Gatherer: a.gatherer,
	}
	if a.sqlSink != nil {
		deps.Audit = a.sqlSink
		deps.Chain = a.sqlSink
	} else if a.fileSink != nil {
		deps.Audit = a.fileSink
	}

	a.api = api.New(api.Config{
		Listen:       a.cfg.API.Listen,
		APIKey:       a.cfg.API.Auth.APIKey,
		Tokens:       tokens,
		Integrations: integrations,
	}, deps, log.WithComponent("api"))
}

// run serves until ctx is cancelled or a server fails. Both servers have
// stopped when it returns.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	serve := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	serve("webhook", a.webhook.Start)
	if a.api != nil {
		serve("api", a.api.Start)
		a.logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		cancel()
	}
	wg.Wait()
	return err
}

// shutdown drains the audit pipeline, then closes the pool and the nonce
// store. Safe on a partially built app.
func (a *app) shutdown() {
	if a.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), auditDrainTimeout)
		if err := a.audit.Close(ctx); err != nil {
			a.logger.Warn("audit sink did not drain", "error", err)
		}
		cancel()
		if n := a.audit.Dropped(); n > 0 {
			a.logger.Warn("audit outcomes dropped", "count", n)
		}
	}
	if a.fileSink != nil {
		if err := a.fileSink.Close(); err != nil {
			a.logger.Warn("failed to close audit file", "error", err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Shutdown(context.Background()); err != nil {
			a.logger.Warn("database pool shutdown", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
