package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/config"
	"lyceum.org/internal/httpapi"
	"lyceum.org/internal/obs"
	"lyceum.org/internal/store/mem"
	"lyceum.org/internal/store/pg"
	"lyceum.org/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("LYCEUM_CONFIG"), "Path to YAML config file")
	flag.Parse()

	log := obs.Logger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("lyceum-api stopped")
	}
	log.Info("stopped")
}

// backends holds the store implementations chosen by configuration.
type backends struct {
	rbac     auth.RBACStore
	sessions auth.SessionStore
	keys     auth.APIKeyStore
	mfa      auth.MFAStore
	checks   map[string]httpapi.ReadyFunc
	closers  []func() error
}

func openBackends(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*backends, error) {
	b := &backends{checks: map[string]httpapi.ReadyFunc{}}
	if cfg.Postgres.DSN != "" {
		store, err := pg.Open(cfg.Postgres.DSN, pg.Options{MaxOpenConns: cfg.Postgres.MaxOpenConns})
		if err != nil {
			return nil, err
		}
		b.rbac, b.keys, b.mfa, b.sessions = store, store, store, store
		b.checks["postgres"] = store.Ping
		b.closers = append(b.closers, store.Close)
	} else {
		log.Warn("no postgres DSN configured; using the in-memory store")
		store := mem.New()
		if err := store.SeedBuiltins(ctx); err != nil {
			return nil, err
		}
		b.rbac, b.keys, b.mfa, b.sessions = store, store, store, store
	}

	switch cfg.Auth.SessionBackend {
	case config.SessionBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, err
		}
		sessions := redisstore.New(rdb)
		b.sessions = sessions
		b.checks["redis"] = sessions.Ping
		b.closers = append(b.closers, rdb.Close)
	case config.SessionBackendMemory:
		if cfg.Postgres.DSN != "" {
			b.sessions = mem.New()
		}
	}
	return b, nil
}

func (b *backends) close(log logrus.FieldLogger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.WithError(err).Warn("close backend")
		}
	}
}

type engine struct {
	svc      *auth.Service
	authz    *auth.Authorizer
	sessions *auth.SessionManager
	mfa      *auth.MFAManager
	keys     *auth.APIKeyRegistry
}

func buildEngine(cfg config.Config, b *backends) (*engine, error) {
	creds, err := auth.NewCredentialStore(auth.HasherConfig{
		Algorithms:       cfg.Auth.Hashers,
		BcryptCost:       cfg.Auth.BcryptCost,
		PBKDF2Iterations: cfg.Auth.PBKDF2Iterations,
	})
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return nil, err
	}
	sessions, err := auth.NewSessionManager(b.sessions,
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithIdleTimeout(cfg.Auth.IdleTimeout),
		auth.WithMaxSessionsPerUser(cfg.Auth.MaxSessionsPerUser),
	)
	if err != nil {
		return nil, err
	}
	mfa, err := auth.NewMFAManager(b.mfa, b.rbac, auth.NewMFAProvider(cfg.Auth.MFAIssuer))
	if err != nil {
		return nil, err
	}
	keys, err := auth.NewAPIKeyRegistry(b.keys, auth.WithDefaultAPIKeyTTL(cfg.Auth.APIKeyTTL))
	if err != nil {
		return nil, err
	}
	svc, err := auth.NewService(b.rbac, creds, tokens, sessions, auth.WithMFA(mfa), auth.WithAPIKeys(keys))
	if err != nil {
		return nil, err
	}
	roles, err := auth.NewRoleManager(b.rbac)
	if err != nil {
		return nil, err
	}
	perms, err := auth.NewPermissionManager(b.rbac, roles)
	if err != nil {
		return nil, err
	}
	authz, err := auth.NewAuthorizer(b.rbac, roles, perms)
	if err != nil {
		return nil, err
	}
	return &engine{svc: svc, authz: authz, sessions: sessions, mfa: mfa, keys: keys}, nil
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close(log)

	eng, err := buildEngine(cfg, b)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:   eng.svc,
		Authz:  eng.authz,
		MFA:    eng.mfa,
		Keys:   eng.keys,
		Checks: b.checks,
	}, httpapi.Options{
		Version:        version,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		LoginRate:      cfg.HTTP.LoginRate,
		LoginBurst:     cfg.HTTP.LoginBurst,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	updateHealth := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := api.CheckReady(checkCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			log.WithError(err).Warn("readiness check failed")
		}
		healthSrv.SetServingStatus("", status)
	}
	updateHealth()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10s", updateHealth); err != nil {
		return err
	}
	if cfg.Hygiene.Schedule != "" {
		if _, err := scheduler.AddFunc(cfg.Hygiene.Schedule, func() { purge(ctx, log, eng) }); err != nil {
			return err
		}
	}
	scheduler.Start()

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			errCh <- err
			return
		}
		log.WithField("addr", cfg.GRPC.Addr).Info("grpc health listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
	}

	<-scheduler.Stop().Done()
	healthSrv.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// purge removes expired sessions and API keys.
func purge(ctx context.Context, log logrus.FieldLogger, eng *engine) {
	sessions, err := eng.sessions.PurgeExpired(ctx)
	if err != nil {
		log.WithError(err).Error("purge sessions")
	}
	keys, err := eng.keys.PurgeExpired(ctx)
	if err != nil {
		log.WithError(err).Error("purge api keys")
	}
	log.WithFields(logrus.Fields{"sessions": sessions, "api_keys": keys}).Info("hygiene complete")
}
