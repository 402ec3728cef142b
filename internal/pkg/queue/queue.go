package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrClosed 队列已关闭，不再接受新任务。
var ErrClosed = errors.New("queue is closed")

// Job 表示一个在 worker 上执行的任务。
type Job func(ctx context.Context) error

// ErrorHandler 任务返回错误或 panic 时的回调。
type ErrorHandler func(err error)

// Queue 是固定大小的 worker 池加有界待执行队列。
//
// 所有检查运行共享同一个 Queue，以限制对外部数据源的并发调用数。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	quit      chan struct{}
	done      chan struct{}
	closed    atomic.Bool

	stats queueStats
}

type queueStats struct {
	submitted atomic.Int64
	rejected  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计信息快照。
type Stats struct {
	Submitted int64 // 成功入队数
	Rejected  int64 // 被拒绝数（已关闭或 ctx 取消）
	Processed int64 // 执行完成数
	Succeeded int64 // 成功数
	Failed    int64 // 失败数（含 panic）
	Panics    int64 // Panic 次数
	Pending   int   // 当前待执行数
}

// NewQueue 创建一个新的 worker 池。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 待执行队列容量（至少为 1）
//
// 返回值:
//   - *Queue: 队列实例，需要调用 Start 后才会执行任务
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetErrorHandler 设置错误回调，必须在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker，直到 ctx 被取消或调用 Shutdown。重复调用无效果。
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, i)
		}
		go func() {
			q.wg.Wait()
			close(q.done)
		}()
	})
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case <-q.quit:
			q.drain(ctx, id)
			return
		case job := <-q.jobs:
			q.execute(ctx, job, id)
		}
	}
}

// drain 在关闭时执行已入队的任务后退出。
func (q *Queue) drain(ctx context.Context, id int) {
	for {
		select {
		case job := <-q.jobs:
			q.execute(ctx, job, id)
		default:
			q.logger.Debug("worker drained", slog.Int("worker_id", id))
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, job Job, workerID int) {
	if job == nil {
		return
	}
	var err error
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			err = fmt.Errorf("job panic: %v", r)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		q.stats.processed.Add(1)
		if err != nil {
			q.stats.failed.Add(1)
			if q.errorHandler != nil {
				q.errorHandler(err)
			}
			return
		}
		q.stats.succeeded.Add(1)
	}()

	err = job(ctx)
	if err != nil {
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
	}
}

// Submit 阻塞式入队，直到成功、ctx 被取消或队列关闭。
func (q *Queue) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if q.closed.Load() {
		q.stats.rejected.Add(1)
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.stats.submitted.Add(1)
		return nil
	case <-q.quit:
		q.stats.rejected.Add(1)
		return ErrClosed
	case <-q.done:
		q.stats.rejected.Add(1)
		return ErrClosed
	case <-ctx.Done():
		q.stats.rejected.Add(1)
		return ctx.Err()
	}
}

// Done 在所有 worker 退出后关闭。
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Shutdown 优雅关闭：
//  1. 标记为已关闭（拒绝新任务）
//  2. 通知 worker 执行完已入队任务后退出
//  3. 等待 worker 退出或 ctx 超时
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.closed.Store(true)
		close(q.quit)
		q.logger.Info("queue shutdown initiated, waiting for workers to finish")
	})
	// 从未启动的队列没有 worker 可等待
	q.Start(context.Background())

	select {
	case <-q.done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-ctx.Done():
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Stats 获取统计信息快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.stats.submitted.Load(),
		Rejected:  q.stats.rejected.Load(),
		Processed: q.stats.processed.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Panics:    q.stats.panics.Load(),
		Pending:   len(q.jobs),
	}
}

// Workers 返回 worker 数量。
func (q *Queue) Workers() int {
	return q.workers
}
