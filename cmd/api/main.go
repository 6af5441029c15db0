package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/config"
	"lendpath.io/internal/health"
	"lendpath.io/internal/httpapi"
	"lendpath.io/internal/lending"
	"lendpath.io/internal/migrate"
	"lendpath.io/internal/obs"
	"lendpath.io/internal/pii"
	"lendpath.io/internal/ratelimit"
	"lendpath.io/internal/session"
	"lendpath.io/internal/store/memstore"
	"lendpath.io/internal/store/pg"
	"lendpath.io/internal/trace"
	"lendpath.io/migrations"
)

var version = "0.1.0"

// backend is satisfied by both the PostgreSQL and the in-memory store.
type backend interface {
	Auth() auth.Store
	Lending() lending.Store
	Sessions() session.Store
	Audit() audit.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	migrateOnStart := pflag.Bool("migrate", false, "apply pending schema migrations before serving")
	pflag.Parse()

	if err := run(*migrateOnStart); err != nil {
		fmt.Fprintf(os.Stderr, "lendpath-api: %v\n", err)
		os.Exit(1)
	}
}

func run(migrateOnStart bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := obs.NewLogger(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", obs.ServiceName), zap.String("version", version))
	for _, name := range cfg.Security.GeneratedDevSecrets {
		log.Warn("generated random development secret; sessions will not survive restarts", zap.String("variable", name))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := loadKeys(ctx, cfg, log)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, log, migrateOnStart)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version)

	auditOpts := []audit.Option{audit.WithZap(log.Named("audit")), audit.WithFailureHook(metrics.AuditFailure)}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		auditOpts = append(auditOpts, audit.WithSink(audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, log.Named("audit.kafka"),
			audit.WithKafkaDropHook(metrics.AuditDropped))))
	}
	auditLog := audit.NewLogger(store.Audit(), auditOpts...)
	defer auditLog.Close()

	sessions := session.NewManager(store.Sessions(),
		session.WithLifetime(cfg.Session.Lifetime),
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithExtendThreshold(cfg.Session.ExtendThreshold),
		session.WithTokenKey(cfg.Security.SessionSecret),
		session.WithLogger(log.Named("session")),
		session.WithSweepObserver(metrics.SessionsSwept),
	)

	authSvc, err := auth.NewService(store.Auth(), sessions,
		auth.WithInvitationSecret(cfg.Security.JWTSecret),
		auth.WithBcryptCost(cfg.Security.BcryptRounds),
		auth.WithInvitationTTL(cfg.Security.InvitationTTL),
		auth.WithVerificationTTL(cfg.Security.EmailVerificationTTL),
		auth.WithAuditor(auditLog),
		auth.WithLogger(log.Named("auth")),
	)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}
	lendingSvc, err := lending.NewService(store.Lending(), keys,
		lending.WithAuditor(auditLog),
		lending.WithLogger(log.Named("lending")),
	)
	if err != nil {
		return fmt.Errorf("lending service: %w", err)
	}

	monitor := health.NewMonitor(version, health.WithLogger(log.Named("health")))
	monitor.RegisterPinger("database", true, store)

	tracer := trace.New(trace.WithCapacity(cfg.Trace.BufferSize), trace.WithRetention(cfg.Trace.Retention))

	g, ctx := errgroup.WithContext(ctx)

	var limiter, authLimiter ratelimit.Limiter
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		monitor.Register("redis", false, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		limiter = ratelimit.NewRedis(rdb, "api", cfg.Security.RateLimitMax, cfg.Security.RateLimitWindow)
		authLimiter = ratelimit.NewRedis(rdb, "auth", cfg.Security.AuthRateLimitMax, cfg.Security.RateLimitWindow)
	} else {
		mem := ratelimit.NewMemory(cfg.Security.RateLimitMax, cfg.Security.RateLimitWindow)
		authMem := ratelimit.NewMemory(cfg.Security.AuthRateLimitMax, cfg.Security.RateLimitWindow)
		g.Go(func() error { return mem.Run(ctx, cfg.Security.RateLimitWindow) })
		g.Go(func() error { return authMem.Run(ctx, cfg.Security.RateLimitWindow) })
		limiter, authLimiter = mem, authMem
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:         authSvc,
		Lending:      lendingSvc,
		Audit:        auditLog,
		Tracer:       tracer,
		Monitor:      monitor,
		Metrics:      metrics,
		Logger:       log.Named("http"),
		Limiter:      limiter,
		AuthLimiter:  authLimiter,
		Version:      version,
		Production:   cfg.IsProduction(),
		CookieSecure: cfg.Security.CookieSecure,
		TrustProxy:   cfg.Server.TrustProxy,
		BaseURL:      cfg.Server.BaseURL,
		CORSOrigins:  cfg.Security.CORSOrigins,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})

	if cfg.Server.GRPCHealthPort > 0 {
		grpcSrv := httpapi.NewGRPCServer(monitor, log.Named("grpc"))
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCHealthPort))
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			log.Info("grpc health listening", zap.String("addr", addr))
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			monitor.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error { return sessions.RunSweeper(ctx, cfg.Session.CleanupInterval) })
	g.Go(func() error { return tracer.Run(ctx, 5*time.Minute) })
	g.Go(func() error { return monitor.Run(ctx, 15*time.Second) })
	g.Go(func() error { return keys.RunCacheSweeper(ctx, 5*time.Minute) })

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	monitor.MarkStarted()
	monitor.Check(ctx)

	if err := g.Wait(); err != nil {
		log.Error("stopped with error", zap.Error(err))
		return err
	}
	log.Info("stopped")
	return nil
}

// loadKeys resolves the PII master key from KMS or the environment.
func loadKeys(ctx context.Context, cfg *config.Config, log *zap.Logger) (*pii.KeyManager, error) {
	var decrypter pii.KMSDecrypter
	if cfg.Security.EncryptionKMSBlob != "" {
		client, err := pii.NewKMSClient(ctx, cfg.Security.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("kms client: %w", err)
		}
		decrypter = client
	}
	master, source, err := pii.LoadMasterKey(ctx, pii.Source{
		Plain:    cfg.Security.EncryptionMasterKey,
		KMSBlob:  cfg.Security.EncryptionKMSBlob,
		KMSKeyID: cfg.Security.EncryptionKMSKeyID,
	}, decrypter)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	keys, err := pii.NewKeyManager(master)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	log.Info("encryption key loaded", zap.String("source", source), zap.String("key_id", keys.ActiveKeyID()))
	return keys, nil
}

// openStore connects to PostgreSQL, or falls back to the in-memory store
// when no database is configured.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger, migrateOnStart bool) (backend, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		log.Warn("no database configured; using the in-memory store")
		return memstore.New(), nil
	}
	store, err := pg.Open(dsn, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if migrateOnStart {
		mgr := migrate.NewManager(store.DB(), migrations.SQL(), migrations.Seeds(), migrate.WithLogger(log.Named("migrate")))
		if err := mgr.Up(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store, nil
}
