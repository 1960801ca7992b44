package repository

import (
	"context"
	"errors"

	"credvault/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAlertNotFound = errors.New("告警不存在")

type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateIfAbsent 插入未处理告警，同一 (store, product, type) 已有未处理告警时不插入
//
// 去重依赖 uk_alert_open 唯一索引，返回值表示本次是否真正插入。
func (r *AlertRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, alert *model.Alert) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	open := true
	alert.Open = &open
	alert.Dismissed = false

	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(alert)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *AlertRepository) GetByID(ctx context.Context, id int64) (*model.Alert, error) {
	var alert model.Alert
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// Dismiss 处理告警，已处理的告警重复处理视为成功
func (r *AlertRepository) Dismiss(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.Alert{}).
		Where("id = ? AND dismissed = ?", id, false).
		Updates(map[string]interface{}{
			"dismissed": true,
			"open":      nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		_, err := r.GetByID(ctx, id)
		return err
	}
	return nil
}

// DismissOpen 补货后关闭商品的未处理告警
func (r *AlertRepository) DismissOpen(ctx context.Context, tx *gorm.DB, productID int64, alertType string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Alert{}).
		Where("product_id = ? AND type = ? AND dismissed = ?", productID, alertType, false).
		Updates(map[string]interface{}{
			"dismissed": true,
			"open":      nil,
		})
	return result.RowsAffected, result.Error
}

func (r *AlertRepository) ListByStore(ctx context.Context, storeID string, includeDismissed bool) ([]*model.Alert, error) {
	var alerts []*model.Alert
	query := r.db.WithContext(ctx).Where("store_id = ?", storeID)
	if !includeDismissed {
		query = query.Where("dismissed = ?", false)
	}
	err := query.Order("created_at DESC").Order("id DESC").Find(&alerts).Error
	return alerts, err
}

func (r *AlertRepository) CountOpen(ctx context.Context, storeID string, productID int64, alertType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Alert{}).
		Where("store_id = ? AND product_id = ? AND type = ? AND dismissed = ?", storeID, productID, alertType, false).
		Count(&count).Error
	return count, err
}

func (r *AlertRepository) DeleteByProduct(ctx context.Context, tx *gorm.DB, productID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Where("product_id = ?", productID).Delete(&model.Alert{}).Error
}
