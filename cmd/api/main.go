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

	"stockwatch/internal/api"
	"stockwatch/internal/api/scheduler"
	"stockwatch/internal/app"
	"stockwatch/internal/config"
	"stockwatch/internal/pkg/checkqueue"
	"stockwatch/internal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志
// 3. 组装检查编排器并启动 HTTP 服务与周期调度
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := api.SeedAdmin(ctx, a.Repo, cfg.App.SeedAdminEmail, appLogger); err != nil {
		appLogger.Error("seed admin failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	a.Checker.Start(ctx)

	var producer *checkqueue.Producer
	if cfg.Queue.Enabled {
		producer = checkqueue.NewProducer(a.Redis, appLogger, cfg.Queue.Stream)
	}

	deps := api.Deps{
		Checker: a.Checker,
		Items:   a.Repo,
		Runs:    a.Repo,
		History: a.History,
		Stores:  a.Directory,
		Pool:    a.Checker,
		DB:      a.Repo,
		Redis:   a.Redis,
	}
	if a.Status != nil {
		deps.Status = a.Status
	}
	if producer != nil {
		deps.Queue = producer
	}
	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.NewServer(deps, cfg.Security.WebhookAPIKey, appLogger)

	var sched *scheduler.Scheduler
	if cfg.App.EnableScheduler {
		schedule, err := scheduler.ParseSchedule(cfg.App.ScheduleInterval, cfg.App.ScheduleCron)
		if err != nil {
			appLogger.Error("invalid schedule", slog.String("error", err.Error()))
			os.Exit(1)
		}
		var opts []scheduler.Option
		if producer != nil {
			opts = append(opts, scheduler.WithPublisher(producer))
		}
		sched = scheduler.NewScheduler(a.Checker, schedule, appLogger, opts...)
		sched.Start(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in http server", slog.Any("panic", r))
				stop()
			}
		}()
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			appLogger.Error("scheduler shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := a.Checker.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("checker shutdown failed", slog.String("error", err.Error()))
	}
	if err := a.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
	appLogger.Info("api server stopped")
}
