package notify

import (
	"context"
	"errors"

	"stockwatch/internal/model"
)

// ErrNotConfigured 表示通知渠道缺少必要配置。
var ErrNotConfigured = errors.New("notifier is not configured")

// Delivery 是阈值通知的投递请求。
//
// 通知模块只决定“是否通知、通知谁”，具体内容由 Notifier 实现负责组织。
type Delivery struct {
	Recipients []string
	Item       *model.TrackedItem
	Owner      *model.User // 可为 nil
	Snapshot   *model.AvailabilitySnapshot
	Threshold  int
}

// Notifier 定义通知接口。
type Notifier interface {
	// Send 投递一次通知，返回的错误只会被记录，不会触发重试。
	Send(ctx context.Context, d Delivery) error
}

// NotifierFunc 允许用普通函数实现 Notifier。
type NotifierFunc func(ctx context.Context, d Delivery) error

// Send 实现 Notifier。
func (f NotifierFunc) Send(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}
