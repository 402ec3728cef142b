package checker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stockwatch/internal/history"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/checkqueue"
	"stockwatch/internal/pkg/notify"
	"stockwatch/internal/provider"
	"stockwatch/internal/storage"
	"stockwatch/internal/storage/storagetest"
	"stockwatch/internal/threshold"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFunc func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error)

func (f gatewayFunc) FetchAvailability(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
	return f(ctx, stores, productIDs)
}

type resolverFunc func(ctx context.Context, item *model.TrackedItem) ([]model.Store, error)

func (f resolverFunc) Resolve(ctx context.Context, item *model.TrackedItem) ([]model.Store, error) {
	return f(ctx, item)
}

type noopEvaluator struct{ calls atomic.Int32 }

func (e *noopEvaluator) Evaluate(ctx context.Context, item *model.TrackedItem, snap *model.AvailabilitySnapshot) (bool, error) {
	e.calls.Add(1)
	return false, nil
}

// countryStores 为每个国家返回两家门店，门店编码带国家前缀。
func countryStores(ctx context.Context, item *model.TrackedItem) ([]model.Store, error) {
	cc := strings.ToLower(item.CountryCode)
	return []model.Store{
		{CountryCode: cc, Code: cc + "-1"},
		{CountryCode: cc, Code: cc + "-2"},
	}, nil
}

// stockPer 返回每家门店固定数量的读数。
func stockPer(n int) gatewayFunc {
	return func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		out := make([]provider.Reading, 0, len(stores))
		for _, s := range stores {
			stock := n
			out = append(out, provider.Reading{StoreCode: s.Code, ProductID: productIDs[0], Stock: &stock, Probability: "HIGH_STOCK"})
		}
		return out, nil
	}
}

type harness struct {
	repo     *storage.Repository
	recorder *history.Recorder
	deps     Deps
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := storagetest.NewRepository(t)
	recorder := history.NewRecorder(repo.DB(), 0)
	return &harness{
		repo:     repo,
		recorder: recorder,
		deps: Deps{
			Items:    repo,
			Runs:     repo,
			Stores:   resolverFunc(countryStores),
			Gateway:  stockPer(1),
			History:  recorder,
			Notifier: &noopEvaluator{},
		},
		opts: Options{RunTimeout: 10 * time.Second, PersistTimeout: 5 * time.Second, Workers: 4, QueueCapacity: 16},
	}
}

func (h *harness) start(t *testing.T) *Service {
	t.Helper()
	svc, err := New(h.deps, h.opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = svc.Shutdown(shutdownCtx)
		cancel()
	})
	return svc
}

func (h *harness) item(t *testing.T, productID, country string) *model.TrackedItem {
	t.Helper()
	return storagetest.SeedItem(t, h.repo, model.TrackedItem{ProductID: productID, CountryCode: country, IsActive: true})
}

func (h *harness) snapshots(t *testing.T, itemID uint) []model.AvailabilitySnapshot {
	t.Helper()
	var out []model.AvailabilitySnapshot
	for snap, err := range h.recorder.Series(context.Background(), itemID, time.Time{}, time.Time{}) {
		require.NoError(t, err)
		out = append(out, snap)
	}
	return out
}

func outcomeFor(run *model.CheckRun, itemID uint) *model.CheckOutcome {
	for i := range run.Outcomes {
		if run.Outcomes[i].ItemID == itemID {
			return &run.Outcomes[i]
		}
	}
	return nil
}

func TestNew_RequiresTimeouts(t *testing.T) {
	h := newHarness(t)

	opts := h.opts
	opts.RunTimeout = 0
	_, err := New(h.deps, opts, nil)
	require.Error(t, err)

	opts = h.opts
	opts.PersistTimeout = 0
	_, err = New(h.deps, opts, nil)
	require.Error(t, err)

	deps := h.deps
	deps.Gateway = nil
	_, err = New(deps, h.opts, nil)
	require.Error(t, err)
}

func TestRunCheck_NotStarted(t *testing.T) {
	h := newHarness(t)
	svc, err := New(h.deps, h.opts, nil)
	require.NoError(t, err)

	_, err = svc.RunCheck(context.Background(), All(model.TriggerManual))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRunCheck_AllItems(t *testing.T) {
	h := newHarness(t)
	h.deps.Gateway = stockPer(3)
	a := h.item(t, "80213074", "de")
	b := h.item(t, "00263850", "se")
	h.item(t, "99999999", "fr")

	svc := h.start(t)
	run, err := svc.RunCheck(context.Background(), All(model.TriggerScheduler))
	require.NoError(t, err)

	assert.Equal(t, model.TriggerScheduler, run.Trigger)
	assert.Equal(t, "all", run.Selector)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, 3, run.Checked)
	assert.Equal(t, 3, run.Succeeded)

	out := outcomeFor(run, a.ID)
	require.NotNil(t, out)
	require.NotNil(t, out.SnapshotID)
	require.NotNil(t, out.TotalStock)
	assert.Equal(t, 6, *out.TotalStock)

	snaps := h.snapshots(t, b.ID)
	require.Len(t, snaps, 1)
	assert.Equal(t, 6, snaps[0].TotalStock)
	assert.Equal(t, 2, snaps[0].KnownStores)

	saved, err := h.repo.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Len(t, saved.Outcomes, 3)
	assert.Equal(t, 3, saved.Succeeded)

	assert.Eventually(t, func() bool { return svc.Stats().Processed == 3 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, svc.Stats().Pending)
}

func TestRunCheck_ConcurrentSameItem(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h.deps.Gateway = gatewayFunc(func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return stockPer(2)(ctx, stores, productIDs)
	})
	item := h.item(t, "80213074", "de")
	svc := h.start(t)

	var (
		wg    sync.WaitGroup
		first *model.CheckRun
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		run, err := svc.RunCheck(context.Background(), ByItem(item.ID, model.TriggerWebhook))
		if err == nil {
			first = run
		}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the provider")
	}

	second, err := svc.RunCheck(context.Background(), ByItem(item.ID, model.TriggerWebhook))
	require.NoError(t, err)
	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, model.OutcomeSkipped, second.Outcomes[0].Status)
	assert.Equal(t, model.KindAlreadyInProgress, second.Outcomes[0].Kind)

	close(release)
	wg.Wait()
	require.NotNil(t, first)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, model.OutcomeSucceeded, first.Outcomes[0].Status)
	assert.Len(t, h.snapshots(t, item.ID), 1, "no duplicate snapshot")
	assert.EqualValues(t, 1, calls.Load())
}

func TestRunCheck_GatewayTimeoutIsLocal(t *testing.T) {
	h := newHarness(t)
	slow := h.item(t, "slow", "de")
	fast := h.item(t, "fast", "de")
	h.deps.Gateway = gatewayFunc(func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		if productIDs[0] == "slow" {
			return nil, &provider.GatewayError{Kind: provider.KindTimeout, Op: "availability", Err: context.DeadlineExceeded}
		}
		return stockPer(4)(ctx, stores, productIDs)
	})
	svc := h.start(t)

	run, err := svc.RunCheck(context.Background(), All(model.TriggerWebhook))
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, run.Succeeded)

	failed := outcomeFor(run, slow.ID)
	require.NotNil(t, failed)
	assert.Equal(t, model.OutcomeFailed, failed.Status)
	assert.Equal(t, model.KindTimeout, failed.Kind)
	assert.Nil(t, failed.SnapshotID)
	assert.Empty(t, h.snapshots(t, slow.ID))

	ok := outcomeFor(run, fast.ID)
	require.NotNil(t, ok)
	assert.Equal(t, model.OutcomeSucceeded, ok.Status)
}

func TestRunCheck_FailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		resolver resolverFunc
		gateway  gatewayFunc
		wantKind string
	}{
		{
			name: "parse failure",
			gateway: func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
				return nil, &provider.GatewayError{Kind: provider.KindParseFailure, Raw: "<html>", Err: errors.New("invalid character")}
			},
			wantKind: model.KindParseFailure,
		},
		{
			name: "process failure",
			gateway: func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
				return nil, &provider.GatewayError{Kind: provider.KindProcessFailure, ExitCode: 1, Stderr: "boom"}
			},
			wantKind: model.KindProcessFailure,
		},
		{
			name: "store lookup",
			resolver: func(ctx context.Context, item *model.TrackedItem) ([]model.Store, error) {
				return nil, provider.ErrNoStores
			},
			wantKind: model.KindStoreLookup,
		},
		{
			name: "empty store list",
			resolver: func(ctx context.Context, item *model.TrackedItem) ([]model.Store, error) {
				return nil, nil
			},
			wantKind: model.KindStoreLookup,
		},
		{
			name: "panic",
			gateway: func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
				panic("nil map write")
			},
			wantKind: model.KindInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.resolver != nil {
				h.deps.Stores = tt.resolver
			}
			if tt.gateway != nil {
				h.deps.Gateway = tt.gateway
			}
			item := h.item(t, "80213074", "de")
			svc := h.start(t)

			run, err := svc.RunCheck(context.Background(), ByItem(item.ID, model.TriggerManual))
			require.NoError(t, err)
			require.Len(t, run.Outcomes, 1)
			assert.Equal(t, model.OutcomeFailed, run.Outcomes[0].Status)
			assert.Equal(t, tt.wantKind, run.Outcomes[0].Kind)
			assert.NotEmpty(t, run.Outcomes[0].Error)

			// 锁在失败路径上也必须释放。
			again, err := svc.RunCheck(context.Background(), ByItem(item.ID, model.TriggerManual))
			require.NoError(t, err)
			assert.NotEqual(t, model.KindAlreadyInProgress, again.Outcomes[0].Kind)
		})
	}
}

func TestRunCheck_ProductAcrossCountries(t *testing.T) {
	h := newHarness(t)
	de := h.item(t, "80213074", "de")
	se := h.item(t, "80213074", "se")
	h.item(t, "00000001", "de")

	var (
		mu    sync.Mutex
		calls = map[string][]string{}
	)
	h.deps.Gateway = gatewayFunc(func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		mu.Lock()
		for _, s := range stores {
			calls[s.CountryCode] = append(calls[s.CountryCode], s.Code)
		}
		mu.Unlock()
		return stockPer(1)(ctx, stores, productIDs)
	})
	svc := h.start(t)

	run, err := svc.RunCheck(context.Background(), ByProduct("80213074", model.TriggerWebhook))
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 2)
	assert.NotNil(t, outcomeFor(run, de.ID))
	assert.NotNil(t, outcomeFor(run, se.ID))
	assert.Equal(t, "product_id=80213074", run.Selector)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"de-1", "de-2"}, calls["de"])
	assert.Equal(t, []string{"se-1", "se-2"}, calls["se"])
}

func TestRunCheck_SelectorErrors(t *testing.T) {
	h := newHarness(t)
	inactive := storagetest.SeedItem(t, h.repo, model.TrackedItem{ProductID: "1", CountryCode: "de", IsActive: false})
	svc := h.start(t)
	ctx := context.Background()

	_, err := svc.RunCheck(ctx, ByItem(0, model.TriggerWebhook))
	assert.ErrorIs(t, err, ErrInvalidSelector)

	_, err = svc.RunCheck(ctx, ByProduct("  ", model.TriggerWebhook))
	assert.ErrorIs(t, err, ErrInvalidSelector)

	_, err = svc.RunCheck(ctx, ByItem(4242, model.TriggerWebhook))
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, err = svc.RunCheck(ctx, ByProduct("1", model.TriggerWebhook))
	assert.ErrorIs(t, err, ErrItemNotFound, "inactive items are not matched by product")

	_, err = svc.RunCheck(ctx, ByItem(inactive.ID, model.TriggerWebhook))
	assert.ErrorIs(t, err, ErrItemInactive)

	run, err := svc.RunCheck(ctx, All(model.TriggerWebhook))
	require.NoError(t, err)
	assert.Equal(t, 0, run.Checked)
}

func TestRunCheck_Cancellation(t *testing.T) {
	h := newHarness(t)
	h.opts.Workers = 1
	started := make(chan struct{}, 1)
	h.deps.Gateway = gatewayFunc(func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	evaluator := &noopEvaluator{}
	h.deps.Notifier = evaluator
	items := []*model.TrackedItem{h.item(t, "a", "de"), h.item(t, "b", "de"), h.item(t, "c", "de")}
	svc := h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	run, err := svc.RunCheck(ctx, All(model.TriggerWebhook))
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 3)
	for _, o := range run.Outcomes {
		assert.Equal(t, model.OutcomeSkipped, o.Status, "item %d", o.ItemID)
		assert.Equal(t, model.KindCancelled, o.Kind, "item %d", o.ItemID)
		assert.Nil(t, o.SnapshotID)
	}
	for _, item := range items {
		assert.Empty(t, h.snapshots(t, item.ID), "no partial snapshot for item %d", item.ID)
	}
	assert.Zero(t, evaluator.calls.Load())

	// 运行报告在取消后仍然被持久化。
	_, err = h.repo.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
}

func TestRunCheck_RunTimeout(t *testing.T) {
	h := newHarness(t)
	h.opts.RunTimeout = 100 * time.Millisecond
	h.deps.Gateway = gatewayFunc(func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.item(t, "80213074", "de")
	svc := h.start(t)

	start := time.Now()
	run, err := svc.RunCheck(context.Background(), All(model.TriggerScheduler))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, run.Outcomes, 1)
	assert.Equal(t, model.KindCancelled, run.Outcomes[0].Kind)
}

func TestRunCheck_NotifiesOnCrossing(t *testing.T) {
	h := newHarness(t)
	sender := &countingSender{}
	h.deps.Notifier = threshold.NewNotifier(h.recorder, h.repo, sender, false, nil)

	limit := 5
	item := storagetest.SeedItem(t, h.repo, model.TrackedItem{
		ProductID: "80213074", CountryCode: "de", IsActive: true, NotifyEnabled: true, NotifyThreshold: &limit,
	})

	var per atomic.Int32
	h.deps.Gateway = gatewayFunc(func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		return stockPer(int(per.Load()))(ctx, stores, productIDs)
	})
	svc := h.start(t)
	ctx := context.Background()

	// 两家门店：1+1=2 低于阈值，4+4=8 跨越阈值。
	per.Store(1)
	run, err := svc.RunCheck(ctx, ByItem(item.ID, model.TriggerWebhook))
	require.NoError(t, err)
	assert.False(t, run.Outcomes[0].Notified)

	per.Store(4)
	run, err = svc.RunCheck(ctx, ByItem(item.ID, model.TriggerWebhook))
	require.NoError(t, err)
	assert.True(t, run.Outcomes[0].Notified)
	assert.Equal(t, 8, *run.Outcomes[0].TotalStock)

	run, err = svc.RunCheck(ctx, ByItem(item.ID, model.TriggerWebhook))
	require.NoError(t, err)
	assert.False(t, run.Outcomes[0].Notified, "staying above threshold must not notify again")

	events, err := h.repo.EventsByItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.EqualValues(t, 1, sender.n.Load())
}

// cancelAfterRecord 在快照写入成功后取消所在运行的上下文。
type cancelAfterRecord struct {
	Recorder
	cancel context.CancelFunc
}

func (r *cancelAfterRecord) Record(ctx context.Context, item *model.TrackedItem, snap *model.AvailabilitySnapshot) error {
	err := r.Recorder.Record(ctx, item, snap)
	if err == nil && r.cancel != nil {
		r.cancel()
	}
	return err
}

func TestRunCheck_CancelledAfterRecordStillNotifies(t *testing.T) {
	h := newHarness(t)
	sender := &countingSender{}
	h.deps.Notifier = threshold.NewNotifier(h.recorder, h.repo, sender, false, nil)
	recorder := &cancelAfterRecord{Recorder: h.recorder}
	h.deps.History = recorder

	limit := 5
	item := storagetest.SeedItem(t, h.repo, model.TrackedItem{
		ProductID: "80213074", CountryCode: "de", IsActive: true, NotifyEnabled: true, NotifyThreshold: &limit,
	})

	var per atomic.Int32
	h.deps.Gateway = gatewayFunc(func(ctx context.Context, stores []model.Store, productIDs []string) ([]provider.Reading, error) {
		return stockPer(int(per.Load()))(ctx, stores, productIDs)
	})
	svc := h.start(t)

	per.Store(1)
	run, err := svc.RunCheck(context.Background(), ByItem(item.ID, model.TriggerWebhook))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, run.Outcomes[0].Status)

	// 4+4=8 跨越阈值，但运行在快照写入后被取消。
	per.Store(4)
	ctx, cancel := context.WithCancel(context.Background())
	recorder.cancel = cancel
	run, err = svc.RunCheck(ctx, ByItem(item.ID, model.TriggerWebhook))
	require.NoError(t, err)
	recorder.cancel = nil
	out := run.Outcomes[0]
	assert.Equal(t, model.OutcomeSkipped, out.Status)
	assert.Equal(t, model.KindCancelled, out.Kind)
	require.NotNil(t, out.SnapshotID)
	assert.True(t, out.Notified)

	per.Store(8)
	run, err = svc.RunCheck(context.Background(), ByItem(item.ID, model.TriggerWebhook))
	require.NoError(t, err)
	assert.False(t, run.Outcomes[0].Notified)

	events, err := h.repo.EventsByItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.EqualValues(t, 1, sender.n.Load())
	assert.Len(t, h.snapshots(t, item.ID), 3)
}

type countingSender struct{ n atomic.Int32 }

func (s *countingSender) Send(ctx context.Context, d notify.Delivery) error {
	s.n.Add(1)
	return nil
}

func TestLiveAvailability_DoesNotPersist(t *testing.T) {
	h := newHarness(t)
	evaluator := &noopEvaluator{}
	h.deps.Notifier = evaluator
	h.deps.Gateway = stockPer(2)
	item := h.item(t, "80213074", "de")
	svc := h.start(t)

	snap, err := svc.LiveAvailability(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, snap.ItemID)
	assert.Equal(t, 4, snap.TotalStock)
	assert.Zero(t, snap.ID)
	assert.Empty(t, h.snapshots(t, item.ID))
	assert.Zero(t, evaluator.calls.Load())

	_, err = svc.LiveAvailability(context.Background(), 999)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestQueueHandler(t *testing.T) {
	h := newHarness(t)
	item := h.item(t, "80213074", "de")
	svc := h.start(t)
	handler := svc.QueueHandler()
	ctx := context.Background()

	require.NoError(t, handler(ctx, checkqueue.NewCheckMessage(checkqueue.KindItemID, item.ID, "", model.TriggerWebhook)))
	assert.Len(t, h.snapshots(t, item.ID), 1)

	err := handler(ctx, checkqueue.NewCheckMessage(checkqueue.KindProductID, 0, "unknown", model.TriggerWebhook))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrItemNotFound)

	sel, err := SelectorFromMessage(checkqueue.NewCheckMessage(checkqueue.KindAll, 0, "", model.TriggerWebhook))
	require.NoError(t, err)
	assert.Equal(t, SelectAll, sel.Kind)
	assert.Equal(t, model.TriggerQueue, sel.Trigger)
}
