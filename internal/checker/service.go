// Package checker 编排库存检查：选择商品、加锁、调用数据源、聚合、记录历史并评估阈值。
//
// 所有触发来源（webhook、周期调度、队列、管理员操作）都经过同一个 RunCheck 入口。
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"stockwatch/internal/availability"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/itemlock"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/pkg/queue"
	"stockwatch/internal/pkg/statuscache"
	"stockwatch/internal/provider"
	"stockwatch/internal/storage"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSelector 选择器字段不完整或类型未知。
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrItemNotFound 选择器没有匹配到任何商品。
	ErrItemNotFound = errors.New("item not found")
	// ErrItemInactive 按 ID 选择的商品已停用。
	ErrItemInactive = errors.New("item is inactive")
	// ErrNotStarted 服务尚未启动或已关闭。
	ErrNotStarted = errors.New("checker is not running")
)

// ItemStore 读取被监控商品。
type ItemStore interface {
	ListActiveItems(ctx context.Context) ([]model.TrackedItem, error)
	GetItem(ctx context.Context, id uint) (*model.TrackedItem, error)
	ActiveItemsByProduct(ctx context.Context, productID string) ([]model.TrackedItem, error)
}

// RunStore 持久化运行报告。
type RunStore interface {
	SaveRun(ctx context.Context, run *model.CheckRun) error
}

// StoreResolver 确定商品的目标门店。
type StoreResolver interface {
	Resolve(ctx context.Context, item *model.TrackedItem) ([]model.Store, error)
}

// Gateway 查询外部库存数据源。
type Gateway interface {
	FetchAvailability(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error)
}

// Recorder 追加历史快照。
type Recorder interface {
	Record(ctx context.Context, item *model.TrackedItem, snap *model.AvailabilitySnapshot) error
}

// Evaluator 对已记录的快照执行阈值状态机。
type Evaluator interface {
	Evaluate(ctx context.Context, item *model.TrackedItem, snap *model.AvailabilitySnapshot) (bool, error)
}

// StatusSink 接收最新状态（可选）。
type StatusSink interface {
	Put(ctx context.Context, s statuscache.Status) error
}

// Deps 是编排器的协作者。Runs、Status 与 Lock 可为空。
type Deps struct {
	Items    ItemStore
	Runs     RunStore
	Stores   StoreResolver
	Gateway  Gateway
	History  Recorder
	Notifier Evaluator
	Status   StatusSink
	Lock     itemlock.Locker
}

// Options 是编排器的运行参数。
type Options struct {
	RunTimeout     time.Duration // 整次运行超时，必填
	PersistTimeout time.Duration // 单次持久化超时，必填
	Workers        int
	QueueCapacity  int
}

// Service 是检查编排器。
type Service struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	pool    *queue.Queue
	lock    itemlock.Locker
	running atomic.Bool
	now     func() time.Time
}

// New 创建编排器。缺少超时配置或必需的协作者时返回错误，此时不能接受任何运行。
//
// 参数:
//   - deps: 协作者
//   - opts: 超时与并发配置
//   - logger: 日志记录器
//
// 返回值:
//   - *Service: 需要调用 Start 后才能执行检查
//   - error: 配置不合法
func New(deps Deps, opts Options, logger *slog.Logger) (*Service, error) {
	var errs []error
	if opts.RunTimeout <= 0 {
		errs = append(errs, errors.New("run timeout must be positive"))
	}
	if opts.PersistTimeout <= 0 {
		errs = append(errs, errors.New("persist timeout must be positive"))
	}
	if deps.Items == nil || deps.Stores == nil || deps.Gateway == nil || deps.History == nil || deps.Notifier == nil {
		errs = append(errs, errors.New("items, stores, gateway, history and notifier are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("checker config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	lock := deps.Lock
	if lock == nil {
		lock = itemlock.NewLocal()
	}
	pool := queue.NewQueue(logger, opts.Workers, opts.QueueCapacity)
	pool.SetErrorHandler(func(err error) {
		logger.Error("check worker error", slog.String("error", err.Error()))
	})

	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger,
		pool:   pool,
		lock:   lock,
		now:    time.Now,
	}, nil
}

// Start 启动 worker 池。
func (s *Service) Start(ctx context.Context) {
	s.pool.Start(ctx)
	s.running.Store(true)
	metrics.InitMetrics(s.pool.Workers())
	s.logger.Info("checker started",
		slog.Int("workers", s.pool.Workers()),
		slog.Duration("run_timeout", s.opts.RunTimeout))
}

// Shutdown 停止接受新运行，等待已入队的检查完成。
func (s *Service) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	err := s.pool.Shutdown(ctx)
	st := s.pool.Stats()
	s.logger.Info("checker stopped",
		slog.Int64("processed", st.Processed),
		slog.Int64("failed", st.Failed),
		slog.Int64("panics", st.Panics),
		slog.Int64("rejected", st.Rejected))
	return err
}

// Stats 返回 worker 池统计，供健康检查展示。
func (s *Service) Stats() queue.Stats {
	return s.pool.Stats()
}

type slotResult struct {
	index   int
	outcome model.CheckOutcome
}

// RunCheck 执行一次检查并返回运行报告。
//
// 单个商品的失败只记录在报告中，不会中断其他商品。只有选择器错误、
// 商品不存在或服务未启动时返回错误。
func (s *Service) RunCheck(ctx context.Context, sel Selector) (*model.CheckRun, error) {
	if !s.running.Load() {
		return nil, ErrNotStarted
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	items, err := s.resolve(ctx, sel)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	trigger := sel.trigger()
	run := &model.CheckRun{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		Selector:  sel.String(),
		StartedAt: s.now().UTC(),
	}
	logger := s.logger.With(slog.String("run_id", run.RunID))
	logger.Info("check run started",
		slog.String("trigger", trigger),
		slog.String("selector", run.Selector),
		slog.Int("items", len(items)))

	results := make(chan slotResult, len(items))
	submitted := 0
	for i := range items {
		if runCtx.Err() != nil {
			break
		}
		idx, item := i, items[i]
		job := func(context.Context) error {
			results <- slotResult{index: idx, outcome: s.checkItem(runCtx, logger, item)}
			return nil
		}
		if err := s.pool.Submit(runCtx, job); err != nil {
			logger.Warn("submit item check failed",
				slog.Uint64("item_id", uint64(item.ID)),
				slog.String("error", err.Error()))
			break
		}
		submitted++
	}

	outcomes := make([]*model.CheckOutcome, len(items))
wait:
	for received := 0; received < submitted; received++ {
		select {
		case r := <-results:
			o := r.outcome
			outcomes[r.index] = &o
		case <-s.pool.Done():
			// worker 池已退出，未执行的商品记为取消。
			break wait
		}
	}
	for drained := false; !drained; {
		select {
		case r := <-results:
			o := r.outcome
			outcomes[r.index] = &o
		default:
			drained = true
		}
	}

	run.Outcomes = make([]model.CheckOutcome, len(items))
	for i, o := range outcomes {
		if o == nil {
			run.Outcomes[i] = model.CheckOutcome{
				ItemID:    items[i].ID,
				ProductID: items[i].ProductID,
				Status:    model.OutcomeSkipped,
				Kind:      model.KindCancelled,
			}
			metrics.ItemChecksTotal.WithLabelValues(model.OutcomeSkipped, model.KindCancelled).Inc()
			continue
		}
		run.Outcomes[i] = *o
	}
	run.FinishedAt = s.now().UTC()
	run.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	run.Tally()

	metrics.CheckRunsTotal.WithLabelValues(trigger).Inc()
	metrics.CheckRunDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	if s.deps.Runs != nil {
		saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
		if err := s.deps.Runs.SaveRun(saveCtx, run); err != nil {
			logger.Error("persist check run failed", slog.String("error", err.Error()))
		}
		saveCancel()
	}

	logger.Info("check run finished",
		slog.Int("checked", run.Checked),
		slog.Int("succeeded", run.Succeeded),
		slog.Int("failed", run.Failed),
		slog.Int("skipped", run.Skipped),
		slog.Int64("duration_ms", run.DurationMS))
	return run, nil
}

// resolve 将选择器一次性展开为商品列表。
func (s *Service) resolve(ctx context.Context, sel Selector) ([]model.TrackedItem, error) {
	switch sel.Kind {
	case SelectItem:
		item, err := s.deps.Items.GetItem(ctx, sel.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrItemNotFound, sel.ItemID)
		}
		if err != nil {
			return nil, fmt.Errorf("load item %d: %w", sel.ItemID, err)
		}
		if !item.IsActive {
			return nil, fmt.Errorf("%w: id %d", ErrItemInactive, sel.ItemID)
		}
		return []model.TrackedItem{*item}, nil
	case SelectProduct:
		items, err := s.deps.Items.ActiveItemsByProduct(ctx, sel.ProductID)
		if err != nil {
			return nil, fmt.Errorf("load items for product %s: %w", sel.ProductID, err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: product %s", ErrItemNotFound, sel.ProductID)
		}
		return items, nil
	default:
		items, err := s.deps.Items.ListActiveItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("load active items: %w", err)
		}
		return items, nil
	}
}

// checkItem 执行单个商品的流水线，总是返回终态结果。
func (s *Service) checkItem(ctx context.Context, logger *slog.Logger, item model.TrackedItem) (out model.CheckOutcome) {
	out = model.CheckOutcome{ItemID: item.ID, ProductID: item.ProductID}
	logger = logger.With(slog.Uint64("item_id", uint64(item.ID)))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("item check panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out = fail(out, model.KindInternal, fmt.Errorf("panic: %v", r))
		}
		metrics.ItemChecksTotal.WithLabelValues(out.Status, out.Kind).Inc()
	}()

	if ctx.Err() != nil {
		return skip(out, model.KindCancelled)
	}

	release, ok := s.lock.TryAcquire(ctx, item.ID)
	if !ok {
		metrics.LockContentionTotal.Inc()
		logger.Info("item check already in progress, skipping")
		return skip(out, model.KindAlreadyInProgress)
	}
	defer release()

	metrics.ChecksInFlight.Inc()
	defer metrics.ChecksInFlight.Dec()

	stores, err := s.deps.Stores.Resolve(ctx, &item)
	if err == nil && len(stores) == 0 {
		err = provider.ErrNoStores
	}
	if err != nil {
		if ctx.Err() != nil {
			return skip(out, model.KindCancelled)
		}
		logger.Warn("resolve stores failed", slog.String("error", err.Error()))
		return fail(out, model.KindStoreLookup, err)
	}

	readings, err := s.deps.Gateway.FetchAvailability(ctx, stores, []string{item.ProductID})
	if err != nil {
		if kind := provider.KindOf(err); kind != 0 {
			logger.Warn("provider call failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()))
			return fail(out, kind.String(), err)
		}
		if ctx.Err() != nil {
			return skip(out, model.KindCancelled)
		}
		logger.Error("provider call failed", slog.String("error", err.Error()))
		return fail(out, model.KindInternal, err)
	}
	if ctx.Err() != nil {
		return skip(out, model.KindCancelled)
	}

	snap := availability.Aggregate(item.ProductID, stores, readings)
	snap.CheckedAt = s.now().UTC()

	persistCtx, cancelPersist := s.persistContext(ctx)
	err = s.deps.History.Record(persistCtx, &item, &snap)
	cancelPersist()
	if err != nil {
		logger.Error("record snapshot failed", slog.String("error", err.Error()))
		return fail(out, model.KindPersistence, err)
	}

	snapID, total := snap.ID, snap.TotalStock
	out.SnapshotID = &snapID
	out.TotalStock = &total
	out.Status = model.OutcomeSucceeded

	if s.deps.Status != nil {
		cacheCtx, cancelCache := s.persistContext(ctx)
		if err := s.deps.Status.Put(cacheCtx, statuscache.FromSnapshot(&snap)); err != nil {
			logger.Warn("update status cache failed", slog.String("error", err.Error()))
		}
		cancelCache()
	}

	// 已记录的快照必须完成阈值评估，否则下一次检查会把它当作已评估的前态。
	notifyCtx, cancelNotify := s.persistContext(ctx)
	notified, err := s.deps.Notifier.Evaluate(notifyCtx, &item, &snap)
	cancelNotify()
	if err != nil {
		logger.Warn("threshold evaluation failed", slog.String("error", err.Error()))
		out.Error = "notify: " + err.Error()
	}
	out.Notified = notified

	if ctx.Err() != nil {
		out.Status = model.OutcomeSkipped
		out.Kind = model.KindCancelled
		return out
	}

	logger.Debug("item check succeeded",
		slog.Uint64("snapshot_id", uint64(snap.ID)),
		slog.Int("total", snap.TotalStock),
		slog.Int("known_stores", snap.KnownStores),
		slog.Bool("notified", notified))
	return out
}

// persistContext 返回不受运行取消影响、但有独立超时的写入上下文。
func (s *Service) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
}

// LiveAvailability 实时查询商品的门店库存，不写入历史也不触发通知。
func (s *Service) LiveAvailability(ctx context.Context, itemID uint) (*model.AvailabilitySnapshot, error) {
	item, err := s.deps.Items.GetItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, err
	}
	stores, err := s.deps.Stores.Resolve(ctx, item)
	if err != nil {
		return nil, err
	}
	if len(stores) == 0 {
		return nil, provider.ErrNoStores
	}
	readings, err := s.deps.Gateway.FetchAvailability(ctx, stores, []string{item.ProductID})
	if err != nil {
		return nil, err
	}
	snap := availability.Aggregate(item.ProductID, stores, readings)
	snap.ItemID = item.ID
	snap.CheckedAt = s.now().UTC()
	return &snap, nil
}

func skip(out model.CheckOutcome, kind string) model.CheckOutcome {
	out.Status = model.OutcomeSkipped
	out.Kind = kind
	return out
}

func fail(out model.CheckOutcome, kind string, err error) model.CheckOutcome {
	out.Status = model.OutcomeFailed
	out.Kind = kind
	out.Error = err.Error()
	out.SnapshotID = nil
	out.TotalStock = nil
	return out
}
