// Package checkqueue 基于 Redis Streams 的异步检查请求队列。
//
// API 将检查请求发布到 Stream，worker 进程通过消费者组读取并调用编排器；
// 处理失败的请求按重试次数重新入队，超过上限后进入死信 Stream。
package checkqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 检查请求的选择方式
const (
	KindAll       = "all"
	KindItemID    = "item_id"
	KindProductID = "product_id"
)

// CheckMessage 是队列中的检查请求。
type CheckMessage struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`                 // all / item_id / product_id
	ItemID    uint      `json:"item_id,omitempty"`    // Kind=item_id 时有效
	ProductID string    `json:"product_id,omitempty"` // Kind=product_id 时有效
	Trigger   string    `json:"trigger"`              // 原始触发来源，如 webhook / scheduler
	Timestamp time.Time `json:"timestamp"`
	Retry     int       `json:"retry"`
}

// NewCheckMessage 创建一条检查请求并分配请求 ID。
func NewCheckMessage(kind string, itemID uint, productID string, trigger string) *CheckMessage {
	return &CheckMessage{
		RequestID: uuid.NewString(),
		Kind:      kind,
		ItemID:    itemID,
		ProductID: productID,
		Trigger:   trigger,
		Timestamp: time.Now().UTC(),
	}
}

// Validate 检查请求字段是否与 Kind 一致。
func (m *CheckMessage) Validate() error {
	switch m.Kind {
	case KindAll:
		return nil
	case KindItemID:
		if m.ItemID == 0 {
			return fmt.Errorf("check message %s: item_id is required", m.RequestID)
		}
		return nil
	case KindProductID:
		if m.ProductID == "" {
			return fmt.Errorf("check message %s: product_id is required", m.RequestID)
		}
		return nil
	default:
		return fmt.Errorf("check message %s: unknown kind %q", m.RequestID, m.Kind)
	}
}

func encodeMessage(m *CheckMessage) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal check message: %w", err)
	}
	return string(data), nil
}

func decodeMessage(data string) (*CheckMessage, error) {
	var m CheckMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal check message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
