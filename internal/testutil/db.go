package testutil

import (
	"fmt"
	"strings"
	"testing"

	"credvault/internal/infrastructure/database"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB 创建每个测试独立的内存 SQLite 库并迁移全部表
//
// 只保留一个连接：SQLite 不支持并发写，事务之间由连接池排队，
// 并发测试依赖的是条件更新而不是数据库锁。
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("连接测试数据库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层 DB 失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("数据库迁移失败: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}
