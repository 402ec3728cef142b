package checkqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 默认的检查请求 Stream 名称。
const DefaultStream = "stockwatch:check:queue"

// maxStreamLen 限制 Stream 长度，避免无人消费时无限增长。
const maxStreamLen = 100000

// stream 封装对单个 Redis Stream 的读写。
type stream struct {
	rdb    *redis.Client
	logger *slog.Logger
	name   string
}

func newStream(rdb *redis.Client, logger *slog.Logger, name string) *stream {
	if name == "" {
		name = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &stream{rdb: rdb, logger: logger, name: name}
}

func (s *stream) deadLetterName() string {
	return s.name + ":dlq"
}

// publish 将请求追加到 Stream。
func (s *stream) publish(ctx context.Context, m *CheckMessage) (string, error) {
	if m == nil {
		return "", fmt.Errorf("check message is nil")
	}
	data, err := encodeMessage(m)
	if err != nil {
		return "", err
	}
	return s.add(ctx, s.name, map[string]interface{}{"data": data})
}

func (s *stream) add(ctx context.Context, name string, values map[string]interface{}) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: name,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", name, err)
	}
	s.logger.Debug("check message published",
		slog.String("stream", name),
		slog.String("msg_id", id))
	return id, nil
}

// ensureGroup 创建消费者组，已存在时忽略。
func (s *stream) ensureGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return nil
}

func (s *stream) length(ctx context.Context, name string) (int64, error) {
	n, err := s.rdb.XLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", name, err)
	}
	return n, nil
}
