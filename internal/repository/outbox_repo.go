package repository

import (
	"context"

	"credvault/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// GetPendingMessages 按写入顺序取待发送消息
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// MarkAsSent 只更新仍为 PENDING 的消息，避免覆盖已被标记失败的记录
func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Update("status", model.OutboxStatusSent).Error
}

// RecordFailure 记录一次发送失败，达到最大重试次数后标记为 FAILED
func (r *OutboxRepository) RecordFailure(ctx context.Context, msg *model.OutboxMessage, maxRetry int) (bool, error) {
	updates := map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
	}
	exhausted := msg.RetryCount+1 >= maxRetry
	if exhausted {
		updates["status"] = model.OutboxStatusFailed
	}

	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", msg.ID, model.OutboxStatusPending).
		Updates(updates).Error
	return exhausted, err
}

func (r *OutboxRepository) GetFailedMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusFailed).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// Requeue 将失败消息重新放回待发送队列
func (r *OutboxRepository) Requeue(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusFailed).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusPending,
			"retry_count": 0,
		}).Error
}
