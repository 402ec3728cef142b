// Package storagetest 为测试提供内存 SQLite 数据库。
package storagetest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"stockwatch/internal/config"
	"stockwatch/internal/model"
	"stockwatch/internal/storage"

	"gorm.io/gorm"
)

var userSeq atomic.Int64

// NewDB 创建已迁移的内存数据库，测试结束时自动关闭。
//
// 内存数据库只存在于单个连接中，因此连接池上限为 1。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRepository 创建基于内存数据库的仓储。
func NewRepository(t testing.TB) *storage.Repository {
	t.Helper()
	return storage.NewRepository(NewDB(t))
}

// SeedItem 创建一个用户及其名下的商品。
func SeedItem(t testing.TB, repo *storage.Repository, item model.TrackedItem) *model.TrackedItem {
	t.Helper()
	if item.UserID == 0 {
		user := model.User{Username: fmt.Sprintf("owner-%d", userSeq.Add(1)), Email: "owner@example.com", Role: model.RoleUser}
		if err := repo.DB().Create(&user).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
		item.UserID = user.ID
	}
	if item.Name == "" {
		item.Name = "item " + item.ProductID
	}
	if err := repo.CreateItem(t.Context(), &item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return &item
}
