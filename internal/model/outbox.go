package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const OutboxEventOutOfStock = "OUT_OF_STOCK"

// OutboxMessage 与业务数据同事务写入，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`
	StoreID    string    `gorm:"type:varchar(64);index" json:"store_id"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index:idx_outbox_pending,priority:1;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index:idx_outbox_pending,priority:2" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
