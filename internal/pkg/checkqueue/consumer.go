package checkqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stockwatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// FailureAction 表示处理失败的消息去向。
type FailureAction string

const (
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// permanentError 标记不应重试的失败。
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装一个无需重试的错误，消息会直接进入死信 Stream。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Handler 处理一条检查请求。
type Handler func(ctx context.Context, m *CheckMessage) error

// Delivery 是读取到的一条消息。
type Delivery struct {
	ID      string
	Message *CheckMessage
}

// Consumer 通过消费者组读取检查请求。
type Consumer struct {
	stream      *stream
	logger      *slog.Logger
	group       string
	consumerID  string
	blockTime   time.Duration
	batchSize   int64
	pendingIdle time.Duration
	claimCursor string
	maxRetry    int
	errBackoff  time.Duration
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 阻塞时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.blockTime = d }
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(n int64) ConsumerOption {
	return func(c *Consumer) { c.batchSize = n }
}

// WithPendingIdle 设置认领其他消费者未确认消息的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pendingIdle = d }
}

// WithMaxRetry 设置进入死信队列前的最大重试次数。
func WithMaxRetry(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetry = n }
}

// NewConsumer 创建消费者并确保消费者组存在。
//
// 参数:
//   - ctx: 上下文
//   - rdb: Redis 客户端
//   - logger: 日志记录器
//   - streamName: Stream 名称，为空时使用 DefaultStream
//   - group: 消费者组名称
//   - consumerID: 消费者标识，为空时自动生成
//   - opts: 可选配置
func NewConsumer(ctx context.Context, rdb *redis.Client, logger *slog.Logger, streamName, group, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if group == "" {
		return nil, errors.New("consumer group is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	s := newStream(rdb, logger, streamName)
	c := &Consumer{
		stream:      s,
		logger:      s.logger,
		group:       group,
		consumerID:  consumerID,
		blockTime:   time.Second,
		batchSize:   10,
		pendingIdle: time.Minute,
		claimCursor: "0-0",
		maxRetry:    3,
		errBackoff:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := s.ensureGroup(ctx, group); err != nil {
		return nil, err
	}
	c.logger.Info("check queue consumer ready",
		slog.String("stream", s.name),
		slog.String("group", group),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// Read 先认领空闲过久的未确认消息，没有时再读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]Delivery, error) {
	claimed, err := c.claimIdle(ctx)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) claimIdle(ctx context.Context) ([]Delivery, error) {
	msgs, next, err := c.stream.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream.name,
		Group:    c.group,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.claimCursor,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if next != "" {
		c.claimCursor = next
	}
	if len(msgs) > 0 {
		metrics.QueueAutoClaimTotal.Add(float64(len(msgs)))
	}
	return c.decode(ctx, msgs), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]Delivery, error) {
	streams, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerID,
		Streams:  []string{c.stream.name, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return c.decode(ctx, msgs), nil
}

// decode 解析消息，无法解析的消息直接进入死信 Stream。
func (c *Consumer) decode(ctx context.Context, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.poison(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), errors.New("invalid message format"))
			continue
		}
		m, err := decodeMessage(data)
		if err != nil {
			c.poison(ctx, msg.ID, data, err)
			continue
		}
		out = append(out, Delivery{ID: msg.ID, Message: m})
	}
	return out
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.stream.rdb.XAck(ctx, c.stream.name, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// HandleFailure 重新入队或移入死信 Stream，然后确认原消息。
func (c *Consumer) HandleFailure(ctx context.Context, d Delivery, cause error) (FailureAction, error) {
	if d.Message == nil {
		return FailureActionDLQ, errors.New("delivery has no message")
	}
	var perm *permanentError
	next := *d.Message
	next.Retry++

	if errors.As(cause, &perm) || next.Retry > c.maxRetry {
		if err := c.deadLetter(ctx, d.ID, &next, cause); err != nil {
			return FailureActionDLQ, err
		}
		return FailureActionDLQ, c.Ack(ctx, d.ID)
	}
	if _, err := c.stream.publish(ctx, &next); err != nil {
		return FailureActionRetry, err
	}
	return FailureActionRetry, c.Ack(ctx, d.ID)
}

func (c *Consumer) poison(ctx context.Context, msgID, payload string, cause error) {
	c.logger.Warn("drop malformed check message",
		slog.String("msg_id", msgID),
		slog.String("error", cause.Error()))
	if err := c.deadLetter(ctx, msgID, payload, cause); err != nil {
		c.logger.Error("publish dead letter failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack malformed message failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if m, ok := payload.(*CheckMessage); ok {
		if data, err := encodeMessage(m); err == nil {
			raw = data
		}
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	_, err := c.stream.add(ctx, c.stream.deadLetterName(), map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      reason,
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		metrics.QueueDLQTotal.Inc()
	}
	return err
}

// Pending 返回消费者组中未确认的消息数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.name, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return info.Count, nil
}

// DeadLetterLength 返回死信 Stream 中的消息数量。
func (c *Consumer) DeadLetterLength(ctx context.Context) (int64, error) {
	return c.stream.length(ctx, c.stream.deadLetterName())
}

// Run 持续读取并处理消息，直到 ctx 取消。
//
// handler 成功时确认消息；失败时按重试策略处理。ctx 取消导致的失败不确认，
// 消息留在 Pending 中，由其他消费者在空闲超时后认领。
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("read check queue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errBackoff):
			}
			continue
		}

		for _, d := range deliveries {
			c.process(ctx, handler, d)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, handler Handler, d Delivery) {
	err := handler(ctx, d.Message)
	if err == nil {
		// 处理已完成，即使 ctx 已取消也要确认。
		if ackErr := c.Ack(context.WithoutCancel(ctx), d.ID); ackErr != nil {
			c.logger.Error("ack check message failed",
				slog.String("msg_id", d.ID),
				slog.String("error", ackErr.Error()))
		}
		return
	}
	if ctx.Err() != nil {
		c.logger.Warn("check request interrupted, leaving pending",
			slog.String("msg_id", d.ID),
			slog.String("request_id", d.Message.RequestID))
		return
	}

	action, ferr := c.HandleFailure(ctx, d, err)
	attrs := []any{
		slog.String("msg_id", d.ID),
		slog.String("request_id", d.Message.RequestID),
		slog.String("action", string(action)),
		slog.String("error", err.Error()),
	}
	if ferr != nil {
		attrs = append(attrs, slog.String("failure_error", ferr.Error()))
		c.logger.Error("handle failed check request failed", attrs...)
		return
	}
	c.logger.Warn("check request failed", attrs...)
}
