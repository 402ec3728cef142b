// Package scheduler 周期性触发全量库存检查。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/checker"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/checkqueue"

	"github.com/robfig/cron/v3"
)

// Runner 同步执行检查。
type Runner interface {
	RunCheck(ctx context.Context, sel checker.Selector) (*model.CheckRun, error)
}

// Publisher 将检查请求投递到异步队列。
type Publisher interface {
	Submit(ctx context.Context, m *checkqueue.CheckMessage) (string, error)
}

// ParseSchedule 根据配置生成调度计划。
//
// cronSpec 非空时按标准五段 cron 表达式解析（支持 @every、@hourly 等描述符），
// 否则使用固定间隔 interval。
func ParseSchedule(interval time.Duration, cronSpec string) (cron.Schedule, error) {
	if spec := strings.TrimSpace(cronSpec); spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
		}
		return sched, nil
	}
	if interval <= 0 {
		return nil, errors.New("schedule interval must be positive")
	}
	return cron.Every(interval), nil
}

// Scheduler 负责周期性触发检查。
//
// Publisher 不为空时只投递队列消息，由 worker 进程执行；否则在本进程内同步执行。
// 上一次触发尚未结束时，本次触发会被跳过。
type Scheduler struct {
	cron       *cron.Cron
	schedule   cron.Schedule
	runner     Runner
	publisher  Publisher
	logger     *slog.Logger
	runOnStart bool
	job        cron.Job

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup // 启动时的首次触发
}

// Option 配置调度器。
type Option func(*Scheduler)

// WithPublisher 改为通过检查队列触发。
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithRunOnStart 启动时立即触发一次。
func WithRunOnStart() Option {
	return func(s *Scheduler) { s.runOnStart = true }
}

// NewScheduler 创建调度器。
//
// 参数:
//
//	runner: 检查编排器
//	schedule: 调度计划，通常来自 ParseSchedule
//	logger: 日志记录器
//	opts: 可选配置
//
// 返回值:
//
//	*Scheduler: 调度器实例，需要调用 Start 启动
func NewScheduler(runner Runner, schedule cron.Schedule, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		schedule: schedule,
		runner:   runner,
		logger:   logger,
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger: logger}
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.tick))
	s.cron = cron.New(cron.WithLogger(cl))
	s.cron.Schedule(schedule, s.job)
	return s
}

// Start 启动调度循环。ctx 取消后正在执行的检查会被取消。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	mode := "inline"
	if s.publisher != nil {
		mode = "queue"
	}
	s.logger.Info("scheduler started",
		slog.String("mode", mode),
		slog.Time("next", s.schedule.Next(time.Now())))

	s.cron.Start()
	if s.runOnStart {
		// 首次立即调度一次，与 cron 任务共用同一条跳过链
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.job.Run()
		}()
	}
}

// Stop 停止调度并等待正在执行的触发结束。
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Trigger 立即执行一次周期触发，返回触发过程中的错误。
func (s *Scheduler) Trigger(ctx context.Context) error {
	if s.publisher != nil {
		msg := checkqueue.NewCheckMessage(checkqueue.KindAll, 0, "", model.TriggerScheduler)
		id, err := s.publisher.Submit(ctx, msg)
		if err != nil {
			return fmt.Errorf("enqueue scheduled check: %w", err)
		}
		s.logger.Info("scheduled check enqueued",
			slog.String("request_id", msg.RequestID),
			slog.String("message_id", id))
		return nil
	}

	run, err := s.runner.RunCheck(ctx, checker.All(model.TriggerScheduler))
	if err != nil {
		return fmt.Errorf("scheduled check: %w", err)
	}
	s.logger.Info("scheduled check finished",
		slog.String("run_id", run.RunID),
		slog.Int("checked", run.Checked),
		slog.Int("failed", run.Failed),
		slog.Int("skipped", run.Skipped))
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := s.Trigger(ctx); err != nil {
		s.logger.Error("scheduled trigger failed", slog.String("error", err.Error()))
	}
}

// cronLogger 将 cron 的日志转到 slog。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}
