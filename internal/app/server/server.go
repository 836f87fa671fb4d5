package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"hrkpi/internal/domain/audit"
	"hrkpi/internal/domain/auth"
	"hrkpi/internal/domain/kpi"
	"hrkpi/internal/domain/org"
	"hrkpi/internal/platform/config"
	"hrkpi/internal/platform/db"
	"hrkpi/internal/platform/email"
	"hrkpi/internal/platform/lock"
	"hrkpi/internal/platform/metrics"
	audithandler "hrkpi/internal/transport/http/handlers/audit"
	kpihandler "hrkpi/internal/transport/http/handlers/kpi"
	"hrkpi/internal/transport/http/middleware"
)

type App struct {
	Config    config.Config
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Directory org.Directory
	KPI       *kpi.Service
	Metrics   *metrics.Collector
	Router    http.Handler
}

// New wires storage, locking and the HTTP surface from cfg. With
// STORAGE=memory nothing external is contacted except Redis when set.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Metrics: metrics.New()}

	var (
		kpiStore   kpi.StoreAPI
		auditStore audit.Store
	)
	switch cfg.Storage {
	case config.StoragePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		app.DB = pool
		if cfg.RunMigrations {
			if err := db.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		kpiStore = kpi.NewStore(pool)
		auditStore = audit.NewPGStore(pool)
		app.Directory = org.NewStore(pool)
	default:
		kpiStore = kpi.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		app.Directory = org.NewMemoryStore()
	}

	locker := lock.Chain{lock.NewKeyedMutex()}
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(cfg.RedisURL)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Redis = client
		locker = append(locker, lock.NewRedisLocker(client, cfg.LockTTL))
	}

	auditSvc := audit.New(auditStore)
	app.KPI = kpi.NewService(kpiStore, app.Directory, kpi.Deps{
		Locker:     locker,
		Metrics:    app.Metrics,
		Audit:      auditSvc,
		Mailer:     email.New(cfg),
		MailFrom:   cfg.EmailFrom,
		MaxRetries: cfg.FoldMaxRetries,
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Auth(cfg.JWTSecret))
	router.Use(middleware.Logger(app.Metrics))
	router.Use(middleware.Recoverer)
	router.Use(middleware.SecureHeaders(cfg.IsProduction()))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/readyz", app.handleReady)
	if cfg.MetricsEnabled {
		router.Method(http.MethodGet, "/metrics", app.Metrics.Handler())
	}

	perms := auth.StaticPermissions{}
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimit, time.Minute))
		r.Use(middleware.DecisionRateLimit(cfg.RateLimit, time.Minute))
		kpihandler.NewHandler(app.KPI, perms).RegisterRoutes(r)
		audithandler.NewHandler(auditSvc, perms).RegisterRoutes(r)
	})

	app.Router = router
	return app, nil
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.DB != nil {
		if err := a.DB.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.Addr,
		Handler:           a.Router,
		ReadTimeout:       a.Config.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.Config.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("kpi server listening", "addr", a.Config.Addr, "storage", a.Config.Storage)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
