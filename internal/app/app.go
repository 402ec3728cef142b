// Package app 组装 api 与 worker 进程共用的组件。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stockwatch/internal/checker"
	"stockwatch/internal/config"
	"stockwatch/internal/history"
	"stockwatch/internal/pkg/itemlock"
	"stockwatch/internal/pkg/notify"
	"stockwatch/internal/pkg/ratelimit"
	"stockwatch/internal/pkg/statuscache"
	"stockwatch/internal/provider"
	"stockwatch/internal/storage"
	"stockwatch/internal/threshold"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App 持有一个进程内的全部长生命周期组件。
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *gorm.DB
	Redis     *redis.Client // redis.addr 为空时为 nil
	Repo      *storage.Repository
	History   *history.Recorder
	Gateway   *provider.Gateway
	Directory *provider.Directory
	Status    *statuscache.Cache // 未启用 Redis 时为 nil
	Checker   *checker.Service
}

// New 按配置连接数据库与 Redis 并组装检查编排器。
//
// 配置不合法、数据库或 Redis 不可用时返回错误，调用方应直接退出。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, DB: db, Repo: storage.NewRepository(db)}

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Status = statuscache.New(a.Redis, 0)
	}

	var limiter provider.Limiter
	if a.Redis != nil && cfg.Provider.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(a.Redis, logger, ratelimit.DefaultKey, cfg.Provider.RateLimit, cfg.Provider.RateBurst)
	}
	a.Gateway, err = provider.NewGateway(cfg.Provider, logger, limiter)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Directory = provider.NewDirectory(a.Gateway, a.Repo, cfg.Provider.StoreCacheTTL, logger)
	a.History = history.NewRecorder(db, cfg.Check.HistoryBatchSize)

	var lock itemlock.Locker = itemlock.NewLocal()
	if cfg.Check.DistributedLock && a.Redis != nil {
		lock = itemlock.Chain{lock, itemlock.NewRedis(a.Redis, logger, cfg.Check.LockTTL)}
	}

	deps := checker.Deps{
		Items:    a.Repo,
		Runs:     a.Repo,
		Stores:   a.Directory,
		Gateway:  a.Gateway,
		History:  a.History,
		Notifier: threshold.NewNotifier(a.History, a.Repo, notify.NewEmailNotifier(&cfg.Email, logger), cfg.Notify.IncludeAdmins, logger),
		Lock:     lock,
	}
	if a.Status != nil {
		deps.Status = a.Status
	}
	a.Checker, err = checker.New(deps, checker.Options{
		RunTimeout:     cfg.Check.RunTimeout,
		PersistTimeout: cfg.Check.PersistTimeout,
		Workers:        cfg.App.WorkerPoolSize,
		QueueCapacity:  cfg.App.QueueCapacity,
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close 关闭数据库与缓存连接。
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
