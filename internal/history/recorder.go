// Package history 追加与读取商品的库存快照序列。
package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"stockwatch/internal/model"

	"gorm.io/gorm"
)

// DefaultBatchSize 是 Series 每次查询的默认行数。
const DefaultBatchSize = 200

// ErrNoSnapshot 表示商品还没有任何快照。
var ErrNoSnapshot = errors.New("no snapshot recorded")

// Recorder 是只追加的快照存储。
type Recorder struct {
	db        *gorm.DB
	batchSize int
	now       func() time.Time
}

// NewRecorder 创建快照记录器。batchSize 不大于 0 时使用默认值。
func NewRecorder(db *gorm.DB, batchSize int) *Recorder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Recorder{db: db, batchSize: batchSize, now: time.Now}
}

// Record 为商品追加一条快照并回填 ID。
//
// 快照的 ItemID 与 ProductID 由 item 决定；CheckedAt 为空时使用当前时间。
func (r *Recorder) Record(ctx context.Context, item *model.TrackedItem, snap *model.AvailabilitySnapshot) error {
	if item == nil || item.ID == 0 {
		return errors.New("record snapshot: item is required")
	}
	if snap.ID != 0 {
		return fmt.Errorf("record snapshot: snapshot %d already recorded", snap.ID)
	}
	snap.ItemID = item.ID
	if snap.ProductID == "" {
		snap.ProductID = item.ProductID
	}
	if snap.CheckedAt.IsZero() {
		snap.CheckedAt = r.now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("record snapshot for item %d: %w", item.ID, err)
	}
	return nil
}

// Series 按时间升序惰性返回 [from, to) 范围内的快照，零值表示不设边界。
//
// 每次遍历都会从头重新查询；遍历中途出错时产出一次错误后结束。
func (r *Recorder) Series(ctx context.Context, itemID uint, from, to time.Time) iter.Seq2[model.AvailabilitySnapshot, error] {
	return func(yield func(model.AvailabilitySnapshot, error) bool) {
		var (
			lastAt time.Time
			lastID uint
			first  = true
		)
		for {
			q := r.db.WithContext(ctx).Where("item_id = ?", itemID)
			if !from.IsZero() {
				q = q.Where("checked_at >= ?", from.UTC())
			}
			if !to.IsZero() {
				q = q.Where("checked_at < ?", to.UTC())
			}
			if !first {
				q = q.Where("(checked_at > ?) OR (checked_at = ? AND id > ?)", lastAt, lastAt, lastID)
			}

			var batch []model.AvailabilitySnapshot
			if err := q.Order("checked_at ASC").Order("id ASC").Limit(r.batchSize).Find(&batch).Error; err != nil {
				yield(model.AvailabilitySnapshot{}, fmt.Errorf("read history for item %d: %w", itemID, err))
				return
			}
			for _, snap := range batch {
				if !yield(snap, nil) {
					return
				}
			}
			if len(batch) < r.batchSize {
				return
			}
			last := batch[len(batch)-1]
			lastAt, lastID, first = last.CheckedAt, last.ID, false
		}
	}
}

// Latest 返回商品最近一次的快照。
func (r *Recorder) Latest(ctx context.Context, itemID uint) (*model.AvailabilitySnapshot, error) {
	var snap model.AvailabilitySnapshot
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("checked_at DESC").Order("id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// PriorKnown 返回早于 beforeID 的最近一条至少有一个已知门店的快照。
func (r *Recorder) PriorKnown(ctx context.Context, itemID, beforeID uint) (*model.AvailabilitySnapshot, error) {
	var snap model.AvailabilitySnapshot
	err := r.db.WithContext(ctx).
		Where("item_id = ? AND id < ? AND known_stores > 0", itemID, beforeID).
		Order("id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
