// Package app wires the Classworks server runtime: config, logging, stores,
// HTTP routes, the realtime gateway and the background sweepers.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"classworks/cmd/identity"
	authapi "classworks/cmd/internal/auth/api"
	"classworks/cmd/internal/auth/codec"
	"classworks/cmd/internal/auth/devicecode"
	"classworks/cmd/internal/auth/oauth"
	"classworks/cmd/internal/auth/ratelimit"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/internal/auth/session"
	"classworks/cmd/internal/autoauth"
	"classworks/cmd/internal/kv"
	"classworks/cmd/internal/realtime"
)

// App is the server runtime. It owns the listener, the database pool and
// the in-memory stores that need periodic sweeping.
type App struct {
	cfg Config
	log *slog.Logger

	pool    *pgxpool.Pool
	ids     identity.Store
	metrics *Metrics

	codes  *devicecode.Store
	states *oauth.StateStore
	limits *ratelimit.Set
	ws     *realtime.WSGateway

	handler http.Handler
}

// New builds a fully wired App. With no CLASSWORKS_DATABASE_URL every store
// lives in memory.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat, nil)
	}
	a := &App{cfg: cfg, log: log, metrics: NewMetrics()}

	hasher, err := NewTokenHasher(cfg.Server, log)
	if err != nil {
		return nil, err
	}

	var kvStore kv.Store
	if a.ids, kvStore, err = a.openStores(ctx); err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		a.closePool()
		return nil, err
	}

	if err := seedApps(ctx, a.ids, cfg.Server.AppsFile, log); err != nil {
		return fail(err)
	}
	if n, err := a.ids.CountDevices(ctx); err == nil {
		a.metrics.SetRegistered(n)
	} else {
		log.Warn("metrics.devices.count.fail", "err", err)
	}

	tokens, err := codec.New(cfg.Tokens)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfig, err))
	}
	sessions, err := session.NewService(cfg.Session, tokens, a.ids, session.WithHasher(hasher))
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfig, err))
	}

	chain := resolve.Chain{resolve.SessionVerifier{Service: sessions}}
	if cfg.Tokens.AccessSecret != "" {
		legacy, err := codec.NewLegacy(cfg.Tokens.AccessSecret, cfg.Tokens.LegacyTTL.Duration())
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrConfig, err))
		}
		chain = append(chain, resolve.LegacyVerifier{Legacy: legacy, Accounts: a.ids})
	}
	rv := resolve.New(a.ids, chain, cfg.Password,
		resolve.WithLogger(log),
		resolve.WithOnFailure(a.metrics.AuthFailure),
	)

	a.limits = ratelimit.NewSet(cfg.Limits, ratelimit.WithOnReject(a.metrics.RateLimited))
	a.codes = devicecode.New()
	a.metrics.TrackDeviceCodes(a.codes.Len)

	a.states = oauth.NewStateStore()
	flow, err := oauth.NewFlow(oauth.NewRegistry(cfg.OAuth), a.states, cfg.OAuth.FrontendURL)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfig, err))
	}

	rules, err := autoauth.NewService(a.ids, cfg.Password)
	if err != nil {
		return fail(err)
	}

	a.ws, err = realtime.NewWSGateway(cfg.Realtime, rv,
		realtime.WithLogger(log.With("component", "realtime")),
		realtime.WithEventCounter(a.metrics.RealtimeEvent),
		realtime.WithPresence(a.metrics.SetOnline),
	)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfig, err))
	}

	auth, err := authapi.NewHandler(cfg.Auth, authapi.Deps{
		Store:       a.ids,
		Resolver:    rv,
		Sessions:    sessions,
		DeviceCodes: a.codes,
		OAuth:       flow,
		AutoAuth:    rules,
		Passwords:   cfg.Password,
		Limits:      a.limits,
	},
		authapi.WithLogger(log.With("component", "auth")),
		authapi.WithPresence(a.ws),
		authapi.WithOnDeviceRegistered(a.metrics.DeviceRegistered),
	)
	if err != nil {
		return fail(err)
	}

	data, err := kv.NewHandler(kvStore, a.ids, rv, a.limits,
		kv.WithLogger(log.With("component", "kv")),
		kv.WithBroadcaster(a.ws),
		kv.WithTrustProxy(cfg.Auth.TrustProxy),
		kv.WithMaxBody(cfg.Auth.MaxBodyBytes),
	)
	if err != nil {
		return fail(err)
	}

	a.handler = a.routes(auth.Routes(), data.Routes())
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) openStores(ctx context.Context) (identity.Store, kv.Store, error) {
	s := a.cfg.Server
	if s.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return identity.NewMemoryStore(), kv.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	a.pool = pool

	ids, err := identity.NewPostgresStore(pool, identity.WithSchema(s.DBSchema))
	if err != nil {
		a.closePool()
		return nil, nil, err
	}
	items, err := kv.NewPostgresStore(pool, kv.WithSchema(s.DBSchema))
	if err != nil {
		a.closePool()
		return nil, nil, err
	}
	if s.DBAutoMigrate {
		// kv_items references devices, so identity goes first.
		if err := ids.ApplySchema(ctx); err != nil {
			a.closePool()
			return nil, nil, fmt.Errorf("identity schema: %w", err)
		}
		if err := items.ApplySchema(ctx); err != nil {
			a.closePool()
			return nil, nil, fmt.Errorf("kv schema: %w", err)
		}
	}
	a.log.Info("db.enabled.postgres_store", "schema", s.DBSchema, "auto_migrate", s.DBAutoMigrate)
	return ids, items, nil
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

type seedApp struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	PermissionPrefix string `json:"permissionPrefix"`
}

// seedApps loads the app catalogue from a JSON array. Apps that already
// exist are left untouched.
func seedApps(ctx context.Context, store identity.AppStore, path string, log *slog.Logger) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("%w: CLASSWORKS_APPS_FILE: %w", ErrConfig, err)
	}
	var apps []seedApp
	if err := json.Unmarshal(raw, &apps); err != nil {
		return fmt.Errorf("%w: CLASSWORKS_APPS_FILE: %w", ErrConfig, err)
	}
	created := 0
	for _, s := range apps {
		_, err := store.CreateApp(ctx, identity.App{
			ID:               s.ID,
			Name:             s.Name,
			Description:      s.Description,
			PermissionPrefix: s.PermissionPrefix,
		})
		switch {
		case err == nil:
			created++
		case identity.IsConflict(err):
		default:
			return fmt.Errorf("seed app %q: %w", s.ID, err)
		}
	}
	log.Info("apps.seeded", "file", path, "listed", len(apps), "created", created)
	return nil
}

// Run serves HTTP and the background sweepers until ctx is cancelled or one
// of them fails.
func (a *App) Run(ctx context.Context) error {
	s := a.cfg.Server
	srv := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(s.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(s.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(s.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(s.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(s.MaxHeaderBytes, 1<<20),
	}
	defer a.closePool()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", s.HTTPAddr, "db_enabled", a.pool != nil,
			"base_url", runtimeBaseURL(s.HTTPAddr), "realtime_url", wsBaseURL(runtimeBaseURL(s.HTTPAddr))+realtimePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(s.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.codes.Run(gctx, s.DeviceCodeSweep, func(n int) {
			a.metrics.DeviceCodesExpired(n)
			a.log.Debug("devicecode.sweep", "removed", n)
		})
	})
	g.Go(func() error { return a.states.Run(gctx, s.OAuthStateSweep) })
	g.Go(func() error { return a.limits.Run(gctx, s.RateLimitSweep) })

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
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
