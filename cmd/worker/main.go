package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockwatch/internal/app"
	"stockwatch/internal/config"
	"stockwatch/internal/pkg/checkqueue"
	"stockwatch/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是检查队列 worker 的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志记录器
// 3. 组装检查编排器
// 4. 启动 Redis Streams 消费循环与 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	if !cfg.Queue.Enabled {
		appLogger.Error("worker requires queue.enabled")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	a.Checker.Start(ctx)

	consumer, err := checkqueue.NewConsumer(ctx, a.Redis, appLogger,
		cfg.Queue.Stream, cfg.Queue.Group, consumerName(),
		checkqueue.WithMaxRetry(cfg.Queue.MaxRetry))
	if err != nil {
		appLogger.Error("init queue consumer failed", slog.String("error", err.Error()))
		_ = a.Close()
		os.Exit(1)
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		// 添加保险丝：消费循环 panic 后让进程退出，由容器负责重启
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in queue consumer loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()

		appLogger.Info("starting queue consumer loop",
			slog.String("stream", cfg.Queue.Stream),
			slog.String("group", cfg.Queue.Group))
		if err := consumer.Run(ctx, a.Checker.QueueHandler()); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("queue consumer loop stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down worker...")

	// 1. 停止拉取新消息，未确认的消息留在 pending 中由其他消费者认领
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("queue consumer did not stop in time")
	}

	// 2. 关闭 worker pool（等待所有检查完成）
	if err := a.Checker.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("checker shutdown error", slog.String("error", err.Error()))
	} else {
		appLogger.Info("checker shutdown completed")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := a.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
	appLogger.Info("worker stopped gracefully")
}

// consumerName 返回本进程在 Consumer Group 中的名称。
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
