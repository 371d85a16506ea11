package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"messmeal/internal/attendance"
	"messmeal/internal/auth"
	"messmeal/internal/config"
	"messmeal/internal/cutoff"
	"messmeal/internal/handler"
	"messmeal/internal/httpmiddleware"
	"messmeal/internal/logger"
	"messmeal/internal/metrics"
	"messmeal/internal/queue"
	"messmeal/internal/store"
	"messmeal/internal/users"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", "error", err)
	}
}

func runHTTP(cfg config.App, log *logger.Logger) error {
	ctx := context.Background()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Client.Close()

	st, db, err := openStore(ctx, cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if db == nil {
		db = openAuditDB(ctx, cfg, log)
		defer db.Close()
	}
	var (
		audit     handler.AuditLister
		auditRepo *attendance.AuditRepository
	)
	if db != nil {
		auditRepo = attendance.NewAuditRepository(db.Client)
		audit = auditRepo
	}

	var events queue.Publisher = queue.Discard{}
	switch {
	case cfg.QueueBackend == "redis":
		events = queue.NewRedisQueue(redisClient.Client, "")
	case cfg.QueueBackend == "memory" && auditRepo != nil:
		// No separate worker sees an in-process queue, so drain it here.
		q := queue.NewInMemory(256)
		consumeCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := attendance.ConsumeAudit(consumeCtx, q, auditRepo, log.With("component", "audit")); err != nil {
				log.Error("audit consumer stopped", "error", err)
			}
		}()
		events = q
	}

	verifier, err := identityVerifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterCollectors(reg)

	loc := cfg.Location()
	hour, minute := cfg.Cutoff()
	policy := cutoff.New(hour, minute, loc, nil)
	log.Info("cutoff policy", "cutoff", fmt.Sprintf("%02d:%02d", hour, minute), "timezone", loc.String(), "store", cfg.StoreBackend)

	h := &handler.Handler{
		Attendance: attendance.NewService(st, policy, events, log),
		Users:      users.NewService(st, cfg.AdminEmails),
		Verifier:   verifier,
		Audit:      audit,
		Tokens: handler.TokenConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		Health: map[string]handler.HealthCheck{"store": st.Ping},
		Log:    log,
	}
	if cfg.QueueBackend == "redis" || cfg.StoreBackend == "redis" {
		h.Health["redis"] = func(ctx context.Context) error {
			if !redisClient.Healthy(ctx) {
				return fmt.Errorf("redis unreachable")
			}
			return nil
		}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	limiter := httpmiddleware.NewLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	h.SessionLimit = httpmiddleware.NewLimiter(cfg.SessionPerMin, cfg.SessionBurst).ByIP()
	h.Register(r, limiter.GinMiddleware())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced shutdown", "error", err)
	}
	log.Info("server exited")
	return nil
}

// openStore builds the configured aggregate backend. The returned DB is non-nil when
// the backend is Postgres so the audit ledger can share the connection.
func openStore(ctx context.Context, cfg config.App, redisClient *store.Redis, log *logger.Logger) (store.Store, *store.DB, error) {
	switch cfg.StoreBackend {
	case "memory", "":
		log.Warn("using in-memory store; selections are lost on restart")
		return store.NewMemory(cfg.StoreMaxAttempts), nil, nil
	case "redis":
		return store.NewRedisStore(redisClient.Client, cfg.StoreMaxAttempts), nil, nil
	case "postgres":
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return store.NewPostgres(db, cfg.StoreMaxAttempts), db, nil
	case "mongo", "mongodb":
		client, err := store.ConnectMongo(ctx, cfg.MongoURI, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return store.NewMongo(client, cfg.MongoDatabase, cfg.StoreMaxAttempts), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

// openAuditDB connects the audit ledger; nil disables it.
func openAuditDB(ctx context.Context, cfg config.App, log *logger.Logger) *store.DB {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err == nil {
		err = db.Migrate(ctx)
	}
	if err != nil {
		log.Warn("audit db not reachable, audit ledger disabled", "error", err)
		_ = db.Close()
		return nil
	}
	return db
}

func identityVerifier(ctx context.Context, cfg config.App, log *logger.Logger) (auth.IdentityVerifier, error) {
	if cfg.AllowInsecure {
		log.Warn("ALLOW_INSECURE_TOKENS=true: identity token signatures are NOT verified")
		return auth.NewInsecureVerifier(), nil
	}
	if cfg.OIDCClientID == "" {
		return nil, fmt.Errorf("OIDC_CLIENT_ID is required unless ALLOW_INSECURE_TOKENS=true")
	}
	return auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
}
