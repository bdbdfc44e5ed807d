package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/cache"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/config"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/httpapi"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/logging"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/service"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store/memory"
	pgstore "github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store/postgres"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/synclog"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		File:     cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("repository unavailable", zap.Error(err))
	}
	if err := bootstrapSuperAdmin(ctx, repo, cfg); err != nil {
		logger.Fatal("failed to bootstrap super admin", zap.Error(err))
	}

	sink, closeSink := openLogSink(ctx, cfg, logger)
	if closeSink != nil {
		closers = append(closers, closeSink)
	}

	ring := synclog.New(cfg.SyncLogCapacity, sink, logger.Named("synclog"))
	restoreSyncLog(ctx, ring, sink, logger)
	svc := service.New(repo, ring, logger.Named("service"), cfg.MaxPacketEntities)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger.Named("auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("sync server listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapAdminUser != "" && len(cfg.BootstrapAdminPass) < 12 {
		return fmt.Errorf("BOOTSTRAP_SUPERADMIN_PASSWORD must be at least 12 characters")
	}
	return nil
}

// openRepository connects to postgres when DATABASE_URL is set and refuses
// to fall back to memory if that fails. Without it the seeded demo store is used.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, []func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		return memory.NewSeeded(logger), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	if cfg.BootstrapOrgID != "" {
		org := domain.Organization{ID: cfg.BootstrapOrgID, Name: cfg.BootstrapOrgName}
		if err := pg.CreateOrganization(ctx, org); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("bootstrap organization: %w", err)
		}
	}
	logger.Info("repository: postgres")
	return pg, []func() error{pg.Close}, nil
}

// bootstrapSuperAdmin creates the configured super admin when the store has
// no users at all.
func bootstrapSuperAdmin(ctx context.Context, repo store.Repository, cfg config.Config) error {
	if cfg.BootstrapAdminUser == "" {
		return nil
	}
	users, err := repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.BootstrapAdminPass), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return repo.CreateUser(ctx, domain.UserAccount{
		Username: cfg.BootstrapAdminUser,
		Password: string(hash),
		Role:     domain.RoleSuperAdmin,
		Active:   true,
	})
}

// openLogSink mirrors sync log lines to Redis when it is configured and reachable.
func openLogSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.LogSink, func() error) {
	if cfg.RedisAddr == "" {
		logger.Info("sync log sink: none")
		return cache.NoopLogSink{}, nil
	}

	sink := cache.NewRedisLogSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SyncLogCapacity)
	if err := sink.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, sync log stays in memory only", zap.Error(err))
		_ = sink.Close()
		return cache.NoopLogSink{}, nil
	}
	logger.Info("sync log sink: redis", zap.String("addr", cfg.RedisAddr))
	return sink, sink.Close
}

// restoreSyncLog reloads the lines mirrored before the last restart when the
// sink can read them back.
func restoreSyncLog(ctx context.Context, ring *synclog.Ring, sink cache.LogSink, logger *zap.Logger) {
	src, ok := sink.(cache.LogSource)
	if !ok {
		return
	}
	n, err := ring.Restore(ctx, src)
	if err != nil {
		logger.Warn("sync log history unavailable", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("sync log restored", zap.Int("lines", n))
	}
}
