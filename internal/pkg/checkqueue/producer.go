package checkqueue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer 发布检查请求。
type Producer struct {
	stream *stream
	logger *slog.Logger
}

// NewProducer 创建检查请求生产者。streamName 为空时使用 DefaultStream。
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName string) *Producer {
	s := newStream(rdb, logger, streamName)
	return &Producer{stream: s, logger: s.logger}
}

// Submit 发布一条检查请求，返回请求 ID。
func (p *Producer) Submit(ctx context.Context, m *CheckMessage) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if _, err := p.stream.publish(ctx, m); err != nil {
		p.logger.Error("submit check request failed",
			slog.String("request_id", m.RequestID),
			slog.String("kind", m.Kind),
			slog.String("error", err.Error()))
		return "", err
	}
	p.logger.Info("check request queued",
		slog.String("request_id", m.RequestID),
		slog.String("kind", m.Kind),
		slog.String("trigger", m.Trigger))
	return m.RequestID, nil
}

// Length 返回 Stream 中的消息数量（含已确认但未裁剪的消息）。
func (p *Producer) Length(ctx context.Context) (int64, error) {
	return p.stream.length(ctx, p.stream.name)
}
