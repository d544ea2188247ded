package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/genchat/internal/cache"
	"github.com/iliyamo/genchat/internal/config"
	"github.com/iliyamo/genchat/internal/database"
	"github.com/iliyamo/genchat/internal/handler"
	"github.com/iliyamo/genchat/internal/logger"
	"github.com/iliyamo/genchat/internal/middleware"
	"github.com/iliyamo/genchat/internal/queue"
	"github.com/iliyamo/genchat/internal/repository"
	"github.com/iliyamo/genchat/internal/router"
	"github.com/iliyamo/genchat/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load() // a missing .env is fine

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		return err
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn("redis unreachable, running without cache", "addr", cfg.Redis.Addr)
	} else {
		defer rdb.Close()
	}
	store := cache.New(rdb, cfg.CacheRetry, log)

	var events queue.Publisher = queue.NopPublisher{}
	if cfg.EventsEnabled {
		pub := queue.NewAMQPPublisher(cfg.AMQPURL, log)
		defer pub.Close()
		events = pub
	}

	users := repository.NewUserRepo(db, cfg.StoreRetry)
	tokenRepo := repository.NewAccessTokenRepo(db, cfg.StoreRetry)
	chatRepo := repository.NewChatRepo(db, cfg.StoreRetry)
	refresh := repository.NewRefreshTokenRepo(db, cfg.StoreRetry)

	accounts := service.NewAccounts(users, store, service.AccountsConfig{
		BcryptCost:  cfg.BcryptCost,
		UserTTL:     cfg.Cache.UserTTL,
		MaxAttempts: cfg.Login.MaxAttempts,
		Lockout:     cfg.Login.Lockout,
	}, log)
	tokens := service.NewTokens(tokenRepo, users, store, events, cfg.Cache.TokenTTL, log)
	chats := service.NewChats(chatRepo, store, cfg.Cache.HistoryTTL, cfg.Cache.SessionsTTL, log)

	if cfg.AdminUser != "" {
		if err := accounts.EnsureAdmin(ctx, cfg.AdminUser, cfg.AdminEmail, cfg.AdminPass); err != nil {
			return err
		}
		log.Info("admin account ready", "user", cfg.AdminUser)
	}
	if cfg.SweepInterval > 0 {
		go sweepLoop(ctx, tokens, cfg.SweepInterval, log)
	}

	handler.SetRequestTimeout(cfg.RequestTimeout)
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(log))
	e.Use(echomw.Recover())

	router.RegisterRoutes(e, handler.Ready(db, store.Enabled()))
	router.RegisterAuth(e,
		handler.NewAuthHandler(handler.AuthConfig{
			JWTSecret:      cfg.JWTSecret,
			AccessTTLMin:   cfg.AccessTTLMin,
			RefreshTTLDays: cfg.RefreshTTLDays,
		}, accounts, refresh, tokens, log),
		cfg.JWTSecret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
	)
	router.RegisterUser(e, handler.NewTokenHandler(tokens, log), handler.NewChatHandler(chats, log), cfg.JWTSecret)
	router.RegisterAdmin(e, handler.NewAdminHandler(tokens, accounts, log), cfg.JWTSecret)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "env", cfg.Env, "cache", store.Enabled(), "events", cfg.EventsEnabled)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// sweepLoop runs Tokens.Sweep every interval until ctx ends.
func sweepLoop(ctx context.Context, tokens *service.Tokens, every time.Duration, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := tokens.Sweep(ctx, "scheduler"); err != nil && ctx.Err() == nil {
				log.Warn("scheduled sweep failed", "error", err)
			}
		}
	}
}
