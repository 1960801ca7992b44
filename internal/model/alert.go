package model

import (
	"time"
)

const AlertTypeOutOfStock = "out_of_stock"

// Alert 库存告警
//
// Open 在告警未处理时为 true，处理后置为 NULL。唯一索引包含 Open，
// 因此同一 (store, product, type) 最多只有一条未处理告警，已处理的历史记录不受限制。
type Alert struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	StoreID   string    `gorm:"type:varchar(64);uniqueIndex:uk_alert_open,priority:1;not null" json:"store_id"`
	ProductID int64     `gorm:"uniqueIndex:uk_alert_open,priority:2;not null" json:"product_id"`
	Type      string    `gorm:"type:varchar(32);uniqueIndex:uk_alert_open,priority:3;not null" json:"type"`
	Open      *bool     `gorm:"uniqueIndex:uk_alert_open,priority:4" json:"-"`
	Message   string    `gorm:"type:varchar(512)" json:"message"`
	Dismissed bool      `gorm:"not null;default:false" json:"dismissed"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Alert) TableName() string {
	return "stock_alert"
}
