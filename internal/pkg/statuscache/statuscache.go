// Package statuscache 在 Redis 中缓存每个商品的最新库存状态。
package statuscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"stockwatch/internal/model"

	"github.com/redis/go-redis/v9"
)

// ErrMiss 表示缓存中没有该商品的状态。
var ErrMiss = errors.New("status cache miss")

const keyPrefix = "stockwatch:item:status:"

// Status 是商品最近一次成功检查的摘要。
type Status struct {
	ItemID             uint      `json:"item_id"`
	SnapshotID         uint      `json:"snapshot_id"`
	ProductID          string    `json:"product_id"`
	TotalStock         int       `json:"total_stock"`
	KnownStores        int       `json:"known_stores"`
	UnknownStores      int       `json:"unknown_stores"`
	ProbabilitySummary string    `json:"probability_summary"`
	CheckedAt          time.Time `json:"checked_at"`
}

// FromSnapshot 由快照生成状态摘要。
func FromSnapshot(snap *model.AvailabilitySnapshot) Status {
	return Status{
		ItemID:             snap.ItemID,
		SnapshotID:         snap.ID,
		ProductID:          snap.ProductID,
		TotalStock:         snap.TotalStock,
		KnownStores:        snap.KnownStores,
		UnknownStores:      snap.UnknownStores,
		ProbabilitySummary: snap.ProbabilitySummary,
		CheckedAt:          snap.CheckedAt.UTC(),
	}
}

// Cache 使用 Redis Hash 存储商品状态。
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New 创建状态缓存，ttl 为 0 表示不过期。
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(itemID uint) string {
	return keyPrefix + strconv.FormatUint(uint64(itemID), 10)
}

// Put 写入商品状态，只有比已缓存状态更新的快照才会覆盖。
func (c *Cache) Put(ctx context.Context, s Status) error {
	k := key(s.ItemID)
	current, err := c.rdb.HGet(ctx, k, "snapshot_id").Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read cached status: %w", err)
	}
	if err == nil && uint(current) > s.SnapshotID {
		return nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"snapshot_id":         s.SnapshotID,
		"product_id":          s.ProductID,
		"total_stock":         s.TotalStock,
		"known_stores":        s.KnownStores,
		"unknown_stores":      s.UnknownStores,
		"probability_summary": s.ProbabilitySummary,
		"checked_at":          s.CheckedAt.UTC().Format(time.RFC3339Nano),
	})
	if c.ttl > 0 {
		pipe.Expire(ctx, k, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write cached status: %w", err)
	}
	return nil
}

// Get 读取商品状态，不存在时返回 ErrMiss。
func (c *Cache) Get(ctx context.Context, itemID uint) (*Status, error) {
	fields, err := c.rdb.HGetAll(ctx, key(itemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached status: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrMiss
	}

	s := &Status{ItemID: itemID, ProductID: fields["product_id"], ProbabilitySummary: fields["probability_summary"]}
	snapID, err := strconv.ParseUint(fields["snapshot_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode cached status: %w", err)
	}
	s.SnapshotID = uint(snapID)
	s.TotalStock, _ = strconv.Atoi(fields["total_stock"])
	s.KnownStores, _ = strconv.Atoi(fields["known_stores"])
	s.UnknownStores, _ = strconv.Atoi(fields["unknown_stores"])
	if ts := fields["checked_at"]; ts != "" {
		if s.CheckedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("decode cached status: %w", err)
		}
	}
	return s, nil
}

// Delete 删除商品状态。
func (c *Cache) Delete(ctx context.Context, itemID uint) error {
	return c.rdb.Del(ctx, key(itemID)).Err()
}
