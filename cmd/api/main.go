package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bookclub/api/db"
	"bookclub/api/internal/app"
	"bookclub/api/internal/auth"
	"bookclub/api/internal/config"
	"bookclub/api/internal/session"
	"bookclub/api/internal/store"
)

type participationBackend interface {
	store.DiscussionReader
	JoinDiscussion(context.Context, string, string, store.JoinDecision) (store.Participation, error)
	TransitionParticipation(context.Context, string, string, store.Status, *int) (store.Participation, error)
	DeleteParticipation(context.Context, string, string) (bool, error)
	GetParticipation(context.Context, string, string) (store.Participation, error)
	ListParticipations(context.Context, string, store.ListFilter) ([]store.Participation, error)
	CountApproved(context.Context, string) (int, error)
	CountByStatus(context.Context, string) (store.StatusCounts, error)
	Ping(context.Context) error
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	var dataStore participationBackend
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		sqlDB, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer sqlDB.Close()

		if err := store.ApplyMigrations(ctx, sqlDB, migrationsFS(cfg.MigrationsDir)); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		dataStore = store.NewPostgresStore(sqlDB)
	} else {
		logger.Warn("DATABASE_URL is empty, using the in-memory participation store")
		memory := store.NewMemoryStore()
		if cfg.SeedFile != "" {
			file, err := os.Open(cfg.SeedFile)
			if err != nil {
				logger.Fatal("open seed file failed", zap.Error(err))
			}
			n, err := store.SeedDiscussions(memory, file)
			_ = file.Close()
			if err != nil {
				logger.Fatal("seed discussions failed", zap.Error(err))
			}
			logger.Info("seeded discussions", zap.Int("count", n), zap.String("file", cfg.SeedFile))
		}
		dataStore = memory
	}

	var revoked auth.RevocationList
	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using Redis for token revocation")
		var err error
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		revoked = redisStore
	} else {
		logger.Warn("REDIS_URL is empty, token revocation is local to this process")
		revoked = session.NewMemoryStore()
	}

	service := app.New(cfg, dataStore, logger.Named("participation"))
	httpServer := app.NewHTTPServer(service, auth.NewVerifier(cfg.JWTSecret, revoked), cfg.CORSOrigin, logger.Named("http"))
	if redisStore != nil {
		httpServer.WithSessionPinger(redisStore)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("bookclub API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newLogger(format string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if strings.EqualFold(format, "console") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// migrationsFS uses dir when it exists and the embedded migrations
// otherwise.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return db.Migrations()
}
