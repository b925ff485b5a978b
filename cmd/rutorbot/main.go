package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ivolnistov/telegram-rutor-bot/internal/api"
	"github.com/ivolnistov/telegram-rutor-bot/internal/config"
	"github.com/ivolnistov/telegram-rutor-bot/internal/fetcher"
	"github.com/ivolnistov/telegram-rutor-bot/internal/notify"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/lock"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/logger"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/queue"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/ratelimit"
	"github.com/ivolnistov/telegram-rutor-bot/internal/scheduler"
	"github.com/ivolnistov/telegram-rutor-bot/internal/search"
	"github.com/ivolnistov/telegram-rutor-bot/internal/torrentclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		appLogger.Error("open database failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	store := search.NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		appLogger.Error("migrate schema failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("redis ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(rdb, appLogger, "", cfg.App.RateLimit, cfg.App.RateBurst)
	pager, err := fetcher.New(appLogger, cfg.App.FetchTimeout, fetcher.RetryPolicy{
		MaxAttempts: cfg.App.RetryMaxAttempts,
		BaseDelay:   cfg.App.RetryBaseDelay,
		Multiplier:  cfg.App.RetryMultiplier,
	}, cfg.App.ProxyURL, limiter)
	if err != nil {
		appLogger.Error("init fetcher failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client, err := torrentclient.NewFromConfig(cfg.Torrent)
	if err != nil {
		appLogger.Error("init torrent client failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := client.Connect(ctx); err != nil {
		// The download client may come up later; dispatch retries per run.
		appLogger.Warn("torrent client not reachable at startup", slog.String("error", err.Error()))
	}

	var notifier notify.Notifier
	if cfg.Telegram.Token != "" {
		notifier = notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.BaseURL)
	} else {
		appLogger.Warn("telegram token not set, subscriber notifications disabled")
	}

	defaults := search.Filters{
		Quality:     cfg.App.DefaultQualityFilters,
		Translation: cfg.App.DefaultTranslationFilters,
		SizeLimit:   cfg.App.SizeLimitBytes,
	}
	runner := search.NewRunner(store, pager, client, notifier, appLogger, defaults, cfg.Torrent.Category)

	pool := queue.NewPool(appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	pool.Start(ctx)

	locker := lock.NewLocker(rdb, cfg.App.LockTTL)
	sched := scheduler.New(store, locker, pool, runner, appLogger, cfg.App.TickInterval)
	go sched.Start(ctx)

	srv := api.NewServer(appLogger, store, sched)
	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := pool.Shutdown(10 * time.Second); err != nil {
		appLogger.Error("run pool shutdown failed", slog.String("error", err.Error()))
	}

	// Any run still open in the ledger was cut off by this shutdown.
	if n, err := store.FinalizeInterrupted(shutdownCtx, "interrupted"); err != nil {
		appLogger.Error("finalize interrupted runs failed", slog.String("error", err.Error()))
	} else if n > 0 {
		appLogger.Warn("finalized interrupted runs", slog.Int64("count", n))
	}

	if err := client.Disconnect(shutdownCtx); err != nil {
		appLogger.Warn("torrent client disconnect failed", slog.String("error", err.Error()))
	}
	if err := rdb.Close(); err != nil {
		appLogger.Warn("redis close failed", slog.String("error", err.Error()))
	}
}
