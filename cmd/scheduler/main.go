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

	"livemon/internal/api"
	"livemon/internal/config"
	"livemon/internal/livecache"
	"livemon/internal/migration"
	"livemon/internal/pkg/logger"
	"livemon/internal/scheduler"
	"livemon/internal/store"
)

// main 是迁移调度服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志、数据库和缓存连接
// 3. 启动定时迁移循环和统计 HTTP 服务
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// 守护进程输出 JSON 日志，方便采集侧解析；命令行工具保持文本输出。
	appLogger := logger.NewJSON(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		appLogger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cache := livecache.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := cache.Ping(ctx); err != nil {
		appLogger.Error("cache ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	svc := migration.NewService(cache, st, appLogger, migration.ServiceOptions{
		ChatRetention: cfg.App.ChatRetention,
		GiftRetention: cfg.App.GiftRetention,
	})

	sched := scheduler.New(svc, appLogger, cfg.App.SyncInterval, cfg.App.ShutdownGrace,
		migration.RunOptions{
			BatchSize:   cfg.App.BatchSize,
			MaxAgeHours: cfg.App.MaxAgeHours,
			Cleanup:     cfg.App.CleanupAfter,
		}, false)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	srv := api.NewServer(cfg, appLogger, st, cache, svc)
	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("http server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down scheduler service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	// 等待调度循环在宽限期内收尾
	<-schedDone

	if err := cache.Close(); err != nil {
		appLogger.Error("close cache failed", slog.String("error", err.Error()))
	}
	if err := st.Close(); err != nil {
		appLogger.Error("close store failed", slog.String("error", err.Error()))
	}
}
