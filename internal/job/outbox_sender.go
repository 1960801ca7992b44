package job

import (
	"context"
	"time"

	"credvault/internal/config"
	"credvault/internal/infrastructure/mq"
	"credvault/internal/model"
	"credvault/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 轮询 outbox 表，把库存告警等事件投递到 Kafka
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   cfg.Business.MaxRetryCount,
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	zap.L().Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			zap.L().Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages 发送一批待发送消息，返回发送成功的条数
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		zap.L().Error("[OutboxSender] 查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	headers := map[string]string{
		"event_type": msg.EventType,
		"store_id":   msg.StoreID,
	}
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload, headers)

	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			zap.L().Error("[OutboxSender] 更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return false
		}
		zap.L().Debug("[OutboxSender] 消息发送成功",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("key", msg.MessageKey))
		return true
	}

	zap.L().Warn("[OutboxSender] 消息发送失败", zap.Int64("id", msg.ID), zap.Error(err))

	exhausted, recordErr := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetry)
	if recordErr != nil {
		zap.L().Error("[OutboxSender] 记录失败次数失败", zap.Int64("id", msg.ID), zap.Error(recordErr))
		return false
	}
	if exhausted {
		zap.L().Error("[OutboxSender] 消息超过最大重试次数，标记为失败",
			zap.Int64("id", msg.ID),
			zap.String("event_type", msg.EventType),
			zap.String("store_id", msg.StoreID))
	}
	return false
}
