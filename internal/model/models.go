package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TrackedItem 表示一个被监控库存的商品。
//
// 商品只会被停用（IsActive=false），不会被物理删除，以保留历史快照。
type TrackedItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name        string `gorm:"type:varchar(191);not null" json:"name"`
	ProductID   string `gorm:"type:varchar(64);index;not null" json:"product_id"` // 外部商品编号
	CountryCode string `gorm:"type:varchar(8);not null" json:"country_code"`
	StoreIDs    string `gorm:"type:varchar(512)" json:"store_ids"` // 逗号分隔的门店编码，为空表示该国家全部门店

	UserID uint  `gorm:"index" json:"user_id"`
	User   *User `gorm:"foreignKey:UserID" json:"-"`

	IsActive        bool `gorm:"not null" json:"is_active"`
	NotifyEnabled   bool `gorm:"not null" json:"notify_enabled"`
	NotifyThreshold *int `json:"notify_threshold"` // 为空表示未配置阈值
}

// TableName 指定表名。
func (TrackedItem) TableName() string {
	return "items"
}

// StoreFilter 返回去重后的门店过滤列表，保持原有顺序。
func (i *TrackedItem) StoreFilter() []string {
	if strings.TrimSpace(i.StoreIDs) == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(i.StoreIDs, ",") {
		code := strings.TrimSpace(part)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

// Watched 判断商品是否参与阈值状态机。
func (i *TrackedItem) Watched() bool {
	return i.NotifyEnabled && i.NotifyThreshold != nil
}

// Store 表示外部数据源提供的一家门店，本地只读缓存。
type Store struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	CountryCode string    `gorm:"type:varchar(8);uniqueIndex:idx_store_country_code;not null" json:"country_code"`
	Code        string    `gorm:"type:varchar(32);uniqueIndex:idx_store_country_code;not null" json:"code"`
	Name        string    `gorm:"type:varchar(191)" json:"name"`
	UpdatedAt   time.Time `json:"-"`
}

// StoreAvailability 是快照中单个门店的读数。
//
// Known=false 表示数据源没有返回该门店的数据，此时 Stock 为空且不计入总量。
type StoreAvailability struct {
	StoreCode   string `json:"store_code"`
	StoreName   string `json:"store_name,omitempty"`
	Known       bool   `json:"known"`
	Stock       *int   `json:"stock"`
	Probability string `json:"probability,omitempty"`
	RestockDate string `json:"restock_date,omitempty"`
}

// AvailabilitySnapshot 是某个商品一次检查的聚合结果，只追加不修改。
type AvailabilitySnapshot struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ItemID    uint      `gorm:"index:idx_snapshot_item_time,priority:1;not null" json:"item_id"`
	CheckedAt time.Time `gorm:"index:idx_snapshot_item_time,priority:2;not null" json:"checked_at"`
	ProductID string    `gorm:"type:varchar(64)" json:"product_id"`

	TotalStock         int    `json:"total_stock"`
	KnownStores        int    `json:"known_stores"`
	UnknownStores      int    `json:"unknown_stores"`
	ProbabilitySummary string `gorm:"type:varchar(255)" json:"probability_summary"`

	Readings datatypes.JSON      `json:"-"`
	Stores   []StoreAvailability `gorm:"-" json:"stores"`
}

// BeforeCreate 将门店明细编码为 JSON 列。
func (s *AvailabilitySnapshot) BeforeCreate(tx *gorm.DB) error {
	data, err := json.Marshal(s.Stores)
	if err != nil {
		return fmt.Errorf("encode snapshot readings: %w", err)
	}
	s.Readings = datatypes.JSON(data)
	return nil
}

// AfterFind 从 JSON 列还原门店明细。
func (s *AvailabilitySnapshot) AfterFind(tx *gorm.DB) error {
	if len(s.Readings) == 0 {
		s.Stores = nil
		return nil
	}
	if err := json.Unmarshal(s.Readings, &s.Stores); err != nil {
		return fmt.Errorf("decode snapshot readings: %w", err)
	}
	return nil
}

// NotificationEvent 记录一次低于阈值到达到阈值的跨越。
//
// SnapshotID 唯一，保证同一快照最多产生一条事件。
type NotificationEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	ItemID     uint      `gorm:"index;not null" json:"item_id"`
	SnapshotID uint      `gorm:"uniqueIndex;not null" json:"snapshot_id"`
	Threshold  int       `json:"threshold"`
	TotalStock int       `json:"total_stock"`
	Recipients string    `gorm:"type:varchar(1024)" json:"recipients"` // 逗号分隔

	DispatchedAt  *time.Time `json:"dispatched_at"`
	DispatchError string     `gorm:"type:text" json:"dispatch_error,omitempty"`
}
