package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"credvault/internal/config"
	"credvault/internal/model"
	"credvault/internal/repository"
	"credvault/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutOfStockNotifier 商品无可用账号时通知商家
type OutOfStockNotifier interface {
	Notify(ctx context.Context, storeID string, productID int64) error
}

// AlertNotifier 写入库存告警，并通过 outbox 把通知交给邮件/WhatsApp 发送方
//
// 同一商品同时只有一条未处理告警，重复调用是无操作的成功。
type AlertNotifier struct {
	db         *gorm.DB
	alertRepo  *repository.AlertRepository
	outboxRepo *repository.OutboxRepository
	topic      string
}

func NewAlertNotifier(db *gorm.DB, cfg *config.Config) *AlertNotifier {
	return &AlertNotifier{
		db:         db,
		alertRepo:  repository.NewAlertRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		topic:      cfg.Kafka.Topic.OutOfStock,
	}
}

type outOfStockEvent struct {
	AlertNo   string `json:"alert_no"`
	AlertID   int64  `json:"alert_id"`
	StoreID   string `json:"store_id"`
	ProductID int64  `json:"product_id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

func (n *AlertNotifier) Notify(ctx context.Context, storeID string, productID int64) error {
	alert := &model.Alert{
		StoreID:   storeID,
		ProductID: productID,
		Type:      model.AlertTypeOutOfStock,
		Message:   fmt.Sprintf("商品 %d 的账号已全部分配完", productID),
	}

	var created bool
	err := n.db.Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = n.alertRepo.CreateIfAbsent(ctx, tx, alert)
		if err != nil {
			return fmt.Errorf("写入告警失败: %w", err)
		}
		if !created {
			return nil
		}

		alertNo := idgen.GenerateAlertNo()
		payload, err := json.Marshal(outOfStockEvent{
			AlertNo:   alertNo,
			AlertID:   alert.ID,
			StoreID:   storeID,
			ProductID: productID,
			Type:      alert.Type,
			CreatedAt: time.Now().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}

		msg := &model.OutboxMessage{
			MessageKey: alertNo,
			EventType:  model.OutboxEventOutOfStock,
			StoreID:    storeID,
			Topic:      n.topic,
			Payload:    string(payload),
		}
		if err := n.outboxRepo.Create(ctx, tx, msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if created {
		zap.L().Info("库存告警已创建",
			zap.String("store_id", storeID),
			zap.Int64("product_id", productID),
			zap.Int64("alert_id", alert.ID))
	}
	return nil
}

func (n *AlertNotifier) DismissAlert(ctx context.Context, id int64) error {
	return n.alertRepo.Dismiss(ctx, id)
}

func (n *AlertNotifier) ListAlerts(ctx context.Context, storeID string, includeDismissed bool) ([]*model.Alert, error) {
	return n.alertRepo.ListByStore(ctx, storeID, includeDismissed)
}

// closeStockAlerts 补货后关闭商品的未处理告警，下次售罄会重新告警
func closeStockAlerts(ctx context.Context, tx *gorm.DB, alertRepo *repository.AlertRepository, productID int64) error {
	closed, err := alertRepo.DismissOpen(ctx, tx, productID, model.AlertTypeOutOfStock)
	if err != nil {
		return fmt.Errorf("关闭库存告警失败: %w", err)
	}
	if closed > 0 {
		zap.L().Info("商品已补货，关闭库存告警", zap.Int64("product_id", productID), zap.Int64("closed", closed))
	}
	return nil
}
