// Package app wires the vault server runtime: config, logging, storage, HTTP routes and the live-code stream.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"otpvault/cmd/identity"
	"otpvault/cmd/internal/apikey"
	authapi "otpvault/cmd/internal/auth/api"
	"otpvault/cmd/internal/auth/gateway"
	"otpvault/cmd/internal/auth/revocation"
	"otpvault/cmd/internal/auth/session"
	"otpvault/cmd/internal/auth/tokens"
	"otpvault/cmd/internal/mail"
	"otpvault/cmd/internal/metrics"
	"otpvault/cmd/internal/migrations"
	"otpvault/cmd/internal/realtime"
	"otpvault/cmd/internal/vault"
	vaultapi "otpvault/cmd/internal/vault/api"
	"otpvault/cmd/security/envelope"
	"otpvault/cmd/security/token"
)

// App is the vault server runtime: it owns storage, the HTTP server wiring and the live-stream hub.
type App struct {
	cfg Config
	log Logger

	dbPool  *pgxpool.Pool
	closers []func() error

	hub     *realtime.Hub
	handler http.Handler
}

// stores groups the persistence backends of every service.
type stores struct {
	users    identity.Store
	sessions session.Store
	keys     apikey.Store
	items    vault.Store
}

// New constructs a fully wired App instance from config and logger.
// The caller must have run ValidateSecurityConfig.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log}

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	tcfg, err := tokens.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	toks, err := tokens.NewService(tcfg)
	if err != nil {
		return nil, err
	}
	keys, err := envelope.NewManagerFromString(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	hasher, err := token.HasherFromEnv()
	if err != nil {
		return nil, err
	}

	// Revoked session ids must outlive every access token bound to them,
	// including the clock-skew leeway the verifier grants past exp.
	denylist, closeDeny, err := revocation.NewFromURL(ctx, cfg.RedisURL, cfg.RedisPrefix, tcfg.AccessAcceptance())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeDeny)

	scfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sessions := session.NewService(scfg, st.sessions, toks, hasher,
		session.WithDenylist(denylist),
		session.WithLogger(log),
	)

	authCfg := authapi.LoadConfigFromEnv()
	smtpCfg, err := mail.SMTPConfigFromEnv()
	if err != nil {
		return nil, err
	}
	notifier := mail.NewNotifier(mail.NewSender(smtpCfg, log), authCfg.BaseURL, tcfg.ConfirmTTL, tcfg.ResetTTL)

	icfg, err := identity.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	users, err := identity.NewService(icfg, st.users, keys, toks,
		identity.WithSessionRevoker(sessions),
		identity.WithNotifier(notifier),
		identity.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	apiKeys, err := apikey.NewService(st.keys, hasher, users, apikey.WithLogger(log))
	if err != nil {
		return nil, err
	}

	gw := gateway.New(toks, sessions, users,
		gateway.WithCookies(authCfg.Cookies),
		gateway.WithRevocationChecker(denylist),
		gateway.WithAPIKeys(apiKeys),
		gateway.WithTrustProxy(authCfg.TrustProxy),
		gateway.WithLogger(log),
	)

	authH, err := authapi.NewHandler(log, authCfg, users, sessions, gw, apiKeys)
	if err != nil {
		return nil, err
	}

	items := vault.NewService(st.items, users, vault.WithLogger(log))
	a.hub = realtime.NewHub(log)
	ws := realtime.NewWSGateway(log, items,
		realtime.WithHub(a.hub),
		realtime.WithRevocationChecker(denylist),
	)

	totpH, err := vaultapi.NewHandler(log, items, gw,
		vaultapi.WithNotifier(a.hub),
		vaultapi.WithLiveStream(http.HandlerFunc(ws.HandleWS)),
	)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsEnabled {
		if err := metrics.Register(nil); err != nil {
			return nil, err
		}
	}

	a.handler = newRouter(routerDeps{
		log:    log,
		cfg:    cfg,
		dbPool: a.dbPool,
		auth:   authH,
		totp:   totpH,
	})

	log.Info("app.ready",
		"db_enabled", a.dbPool != nil,
		"redis_denylist", cfg.RedisURL != "",
		"token_hmac", hasher.HMAC(),
		"smtp", smtpCfg.Host != "",
	)

	ok = true
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// openStores decides between Postgres-backed persistence and in-memory development stores.
func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("db.disabled.inmemory_store", "note", "all data is lost on restart")
		return stores{
			users:    identity.NewMemoryStore(),
			sessions: session.NewMemoryStore(),
			keys:     apikey.NewMemoryStore(),
			items:    vault.NewMemoryStore(),
		}, nil
	}

	if a.cfg.AutoMigrate {
		v, err := migrations.Up(ctx, a.cfg.DatabaseURL, a.cfg.DBSchema)
		if err != nil {
			return stores{}, err
		}
		a.log.Info("db.migrate.up", "schema", a.cfg.DBSchema, "version", v)
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return stores{}, fmt.Errorf("db: %w", err)
	}
	a.dbPool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

	// The app owns the pool; store constructors only borrow it.
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return stores{}, err
	}
	sessions, err := session.NewPostgresStore(pool, a.cfg.DBSchema)
	if err != nil {
		return stores{}, err
	}
	keys, err := apikey.NewPostgresStore(pool, a.cfg.DBSchema)
	if err != nil {
		return stores{}, err
	}
	items, err := vault.NewPostgresStore(pool, a.cfg.DBSchema)
	if err != nil {
		return stores{}, err
	}
	return stores{users: users, sessions: sessions, keys: keys, items: items}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	srv.RegisterOnShutdown(func() {
		n := a.hub.CloseAll()
		a.log.Info("ws.shutdown", "streams", n)
	})

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"live_url", wsBaseURL(base)+"/totp/ws",
		"db_enabled", a.dbPool != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// close releases pools and clients in reverse acquisition order.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
