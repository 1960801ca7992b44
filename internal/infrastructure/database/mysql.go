package database

import (
	"fmt"
	"time"

	"credvault/internal/config"
	"credvault/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitMySQL 初始化 MySQL 连接并迁移表结构
func InitMySQL(cfg *config.MySQLConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("自动迁移表结构失败: %w", err)
	}

	zap.L().Info("MySQL 连接成功", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return db, nil
}

// Migrate 自动迁移全部表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Product{},
		&model.Account{},
		&model.Claim{},
		&model.Alert{},
		&model.OutboxMessage{},
	)
}
