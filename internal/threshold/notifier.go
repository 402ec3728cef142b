package threshold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"stockwatch/internal/history"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/pkg/notify"
	"stockwatch/internal/storage"
)

// ErrNoRecipients 表示通知事件没有可投递的邮箱。
var ErrNoRecipients = errors.New("no notification recipients")

// HistoryReader 读取历史快照以推导旧状态。
type HistoryReader interface {
	PriorKnown(ctx context.Context, itemID, beforeID uint) (*model.AvailabilitySnapshot, error)
}

// EventStore 持久化通知事件并提供收件人信息。
type EventStore interface {
	FindEventBySnapshot(ctx context.Context, snapshotID uint) (*model.NotificationEvent, error)
	CreateEvent(ctx context.Context, event *model.NotificationEvent) error
	MarkEventDispatched(ctx context.Context, eventID uint, dispatchErr error) error
	GetUser(ctx context.Context, id uint) (*model.User, error)
	AdminEmails(ctx context.Context) ([]string, error)
}

// Notifier 对新记录的快照执行状态机，并在跨越阈值时创建事件、投递通知。
type Notifier struct {
	history       HistoryReader
	events        EventStore
	sender        notify.Notifier
	includeAdmins bool
	logger        *slog.Logger
}

// NewNotifier 创建阈值通知器。
//
// 参数:
//   - history: 快照读取
//   - events: 事件与用户存储
//   - sender: 投递渠道
//   - includeAdmins: 是否同时通知所有管理员
//   - logger: 日志记录器
func NewNotifier(history HistoryReader, events EventStore, sender notify.Notifier, includeAdmins bool, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		history:       history,
		events:        events,
		sender:        sender,
		includeAdmins: includeAdmins,
		logger:        logger,
	}
}

// Evaluate 评估已持久化的快照，返回是否为其创建了通知事件。
//
// 同一快照重复评估不会再次创建事件或投递。投递失败只记录在事件上，不返回错误。
func (n *Notifier) Evaluate(ctx context.Context, item *model.TrackedItem, snap *model.AvailabilitySnapshot) (bool, error) {
	if !item.Watched() || snap.KnownStores == 0 {
		return false, nil
	}
	if snap.ID == 0 {
		return false, errors.New("evaluate threshold: snapshot is not recorded")
	}
	threshold := *item.NotifyThreshold

	old := Below
	prior, err := n.history.PriorKnown(ctx, item.ID, snap.ID)
	switch {
	case err == nil:
		old = StateOf(prior.TotalStock, threshold)
	case !errors.Is(err, history.ErrNoSnapshot):
		return false, fmt.Errorf("load prior snapshot: %w", err)
	}

	next, fire := Transition(old, snap.TotalStock, threshold)
	if !fire {
		if old != next {
			n.logger.Debug("threshold re-armed",
				slog.Uint64("item_id", uint64(item.ID)),
				slog.Int("total", snap.TotalStock),
				slog.Int("threshold", threshold))
		}
		return false, nil
	}

	if _, err := n.events.FindEventBySnapshot(ctx, snap.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("check existing event: %w", err)
	}

	owner, recipients := n.recipients(ctx, item)
	event := &model.NotificationEvent{
		ItemID:     item.ID,
		SnapshotID: snap.ID,
		Threshold:  threshold,
		TotalStock: snap.TotalStock,
		Recipients: strings.Join(recipients, ","),
	}
	if err := n.events.CreateEvent(ctx, event); err != nil {
		// 并发评估同一快照时唯一索引冲突，视为已处理。
		if _, findErr := n.events.FindEventBySnapshot(ctx, snap.ID); findErr == nil {
			return false, nil
		}
		return false, fmt.Errorf("create notification event: %w", err)
	}

	n.logger.Info("stock threshold crossed",
		slog.Uint64("item_id", uint64(item.ID)),
		slog.Uint64("snapshot_id", uint64(snap.ID)),
		slog.Int("total", snap.TotalStock),
		slog.Int("threshold", threshold),
		slog.Int("recipients", len(recipients)))

	n.dispatch(ctx, event, notify.Delivery{
		Recipients: recipients,
		Item:       item,
		Owner:      owner,
		Snapshot:   snap,
		Threshold:  threshold,
	})
	return true, nil
}

func (n *Notifier) dispatch(ctx context.Context, event *model.NotificationEvent, d notify.Delivery) {
	var sendErr error
	switch {
	case len(d.Recipients) == 0:
		sendErr = ErrNoRecipients
	case n.sender == nil:
		sendErr = notify.ErrNotConfigured
	default:
		sendErr = n.sender.Send(ctx, d)
	}

	if sendErr != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("notification dispatch failed",
			slog.Uint64("item_id", uint64(event.ItemID)),
			slog.Uint64("event_id", uint64(event.ID)),
			slog.String("error", sendErr.Error()))
	} else {
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}
	if err := n.events.MarkEventDispatched(ctx, event.ID, sendErr); err != nil {
		n.logger.Error("record dispatch result failed",
			slog.Uint64("event_id", uint64(event.ID)),
			slog.String("error", err.Error()))
	}
}

// recipients 返回商品所有者及（可选）管理员的去重邮箱列表。
func (n *Notifier) recipients(ctx context.Context, item *model.TrackedItem) (*model.User, []string) {
	var (
		owner *model.User
		out   []string
		seen  = make(map[string]struct{})
	)
	add := func(email string) {
		email = strings.TrimSpace(email)
		key := strings.ToLower(email)
		if email == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, email)
	}

	if item.UserID != 0 {
		user, err := n.events.GetUser(ctx, item.UserID)
		if err != nil {
			n.logger.Warn("load item owner failed",
				slog.Uint64("item_id", uint64(item.ID)),
				slog.String("error", err.Error()))
		} else {
			owner = user
			add(user.Email)
		}
	}
	if n.includeAdmins {
		admins, err := n.events.AdminEmails(ctx)
		if err != nil {
			n.logger.Warn("load admin recipients failed", slog.String("error", err.Error()))
		}
		for _, email := range admins {
			add(email)
		}
	}
	return owner, out
}
