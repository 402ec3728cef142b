package checker

import (
	"context"
	"errors"
	"log/slog"

	"stockwatch/internal/model"
	"stockwatch/internal/pkg/checkqueue"
)

// SelectorFromMessage 将队列中的检查请求转换为选择器。
func SelectorFromMessage(m *checkqueue.CheckMessage) (Selector, error) {
	var sel Selector
	switch m.Kind {
	case checkqueue.KindAll:
		sel = All(model.TriggerQueue)
	case checkqueue.KindItemID:
		sel = ByItem(m.ItemID, model.TriggerQueue)
	case checkqueue.KindProductID:
		sel = ByProduct(m.ProductID, model.TriggerQueue)
	default:
		return Selector{}, ErrInvalidSelector
	}
	return sel, sel.Validate()
}

// QueueHandler 返回消费检查请求的处理函数。
//
// 选择器错误与商品不存在属于永久失败，直接进入死信队列；服务未运行时返回普通错误以便重试。
func (s *Service) QueueHandler() checkqueue.Handler {
	return func(ctx context.Context, m *checkqueue.CheckMessage) error {
		sel, err := SelectorFromMessage(m)
		if err != nil {
			return checkqueue.Permanent(err)
		}
		run, err := s.RunCheck(ctx, sel)
		switch {
		case errors.Is(err, ErrInvalidSelector), errors.Is(err, ErrItemNotFound), errors.Is(err, ErrItemInactive):
			return checkqueue.Permanent(err)
		case err != nil:
			return err
		}
		s.logger.Info("queued check request completed",
			slog.String("request_id", m.RequestID),
			slog.String("origin", m.Trigger),
			slog.String("run_id", run.RunID))
		return nil
	}
}
