// Package storage 负责数据库连接与各实体的读写。
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

// Open 按配置打开数据库连接。
//
// 参数:
//
//	cfg: 数据库配置，driver 为 mysql 或 sqlite
//
// 返回值:
//
//	*gorm.DB: 数据库连接
//	error: 打开失败返回错误
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Migrate 自动迁移所有表结构。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.TrackedItem{},
		&model.Store{},
		&model.AvailabilitySnapshot{},
		&model.NotificationEvent{},
		&model.CheckRun{},
		&model.CheckOutcome{},
	)
}

// Repository 封装核心实体的数据库访问。
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建仓储。
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB 返回底层连接。
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Ping 检查数据库连接。
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ListActiveItems 返回全部启用中的商品，按 ID 升序。
func (r *Repository) ListActiveItems(ctx context.Context) ([]model.TrackedItem, error) {
	var items []model.TrackedItem
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// GetItem 按 ID 读取商品（包括已停用的）。
func (r *Repository) GetItem(ctx context.Context, id uint) (*model.TrackedItem, error) {
	var item model.TrackedItem
	err := r.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ActiveItemsByProduct 返回引用某个外部商品编号的全部启用商品。
func (r *Repository) ActiveItemsByProduct(ctx context.Context, productID string) ([]model.TrackedItem, error) {
	var items []model.TrackedItem
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND is_active = ?", productID, true).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// CreateItem 创建商品。
func (r *Repository) CreateItem(ctx context.Context, item *model.TrackedItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// StoresByCountry 返回某个国家的缓存门店，按编码排序。
func (r *Repository) StoresByCountry(ctx context.Context, country string) ([]model.Store, error) {
	var stores []model.Store
	err := r.db.WithContext(ctx).
		Where("country_code = ?", strings.ToLower(country)).
		Order("code ASC").
		Find(&stores).Error
	return stores, err
}

// ReplaceStores 以数据源的最新门店列表刷新缓存。
//
// 已存在的门店更新名称，列表中不再出现的门店被删除。
func (r *Repository) ReplaceStores(ctx context.Context, country string, stores []model.Store) error {
	country = strings.ToLower(country)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		codes := make([]string, 0, len(stores))
		rows := make([]model.Store, 0, len(stores))
		for _, s := range stores {
			codes = append(codes, s.Code)
			rows = append(rows, model.Store{CountryCode: country, Code: s.Code, Name: s.Name})
		}
		del := tx.Where("country_code = ?", country)
		if len(codes) > 0 {
			del = del.Where("code NOT IN ?", codes)
		}
		if err := del.Delete(&model.Store{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "country_code"}, {Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).Create(&rows).Error
	})
}

// SaveRun 持久化一次检查运行及其明细。
func (r *Repository) SaveRun(ctx context.Context, run *model.CheckRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// GetRun 按运行 ID 读取运行报告。
func (r *Repository) GetRun(ctx context.Context, runID string) (*model.CheckRun, error) {
	var run model.CheckRun
	err := r.db.WithContext(ctx).
		Preload("Outcomes", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("run_id = ?", runID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// FindEventBySnapshot 查找某个快照产生的通知事件。
func (r *Repository) FindEventBySnapshot(ctx context.Context, snapshotID uint) (*model.NotificationEvent, error) {
	var event model.NotificationEvent
	err := r.db.WithContext(ctx).Where("snapshot_id = ?", snapshotID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// CreateEvent 创建通知事件。
func (r *Repository) CreateEvent(ctx context.Context, event *model.NotificationEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// MarkEventDispatched 记录投递结果，dispatchErr 为空表示成功提交。
func (r *Repository) MarkEventDispatched(ctx context.Context, eventID uint, dispatchErr error) error {
	updates := map[string]interface{}{}
	if dispatchErr != nil {
		updates["dispatch_error"] = dispatchErr.Error()
	} else {
		updates["dispatched_at"] = time.Now()
	}
	return r.db.WithContext(ctx).Model(&model.NotificationEvent{}).Where("id = ?", eventID).Updates(updates).Error
}

// EventsByItem 返回某个商品的全部通知事件，按创建顺序。
func (r *Repository) EventsByItem(ctx context.Context, itemID uint) ([]model.NotificationEvent, error) {
	var events []model.NotificationEvent
	err := r.db.WithContext(ctx).Where("item_id = ?", itemID).Order("id ASC").Find(&events).Error
	return events, err
}

// GetUser 按 ID 读取用户。
func (r *Repository) GetUser(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AdminEmails 返回所有设置了邮箱的管理员邮箱。
func (r *Repository) AdminEmails(ctx context.Context) ([]string, error) {
	var emails []string
	err := r.db.WithContext(ctx).Model(&model.User{}).
		Where("role = ? AND email <> ''", model.RoleAdmin).
		Order("id ASC").
		Pluck("email", &emails).Error
	return emails, err
}

// SeedAdmin 确保存在一个使用指定邮箱的管理员用户。
func (r *Repository) SeedAdmin(ctx context.Context, email string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("seed admin email is empty")
	}
	var user model.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = model.User{
			Username: email,
			Email:    email,
			Role:     model.RoleAdmin,
		}
		if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if user.Role != model.RoleAdmin {
		if err := r.db.WithContext(ctx).Model(&user).Update("role", model.RoleAdmin).Error; err != nil {
			return nil, err
		}
	}
	return &user, nil
}
