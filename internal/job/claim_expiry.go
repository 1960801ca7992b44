package job

import (
	"context"
	"errors"
	"time"

	"credvault/internal/config"
	"credvault/internal/repository"
	"credvault/internal/service"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ClaimExpiryJob 定时清理过期的领取记录，释放账号名额
type ClaimExpiryJob struct {
	claimRepo *repository.ClaimRepository
	ledger    *service.ClaimLedger
	cron      *cron.Cron
	spec      string
	batchSize int
	now       func() time.Time
}

func NewClaimExpiryJob(db *gorm.DB, cfg *config.Config) *ClaimExpiryJob {
	return &ClaimExpiryJob{
		claimRepo: repository.NewClaimRepository(db),
		ledger:    service.NewClaimLedger(db),
		cron:      cron.New(cron.WithSeconds()),
		spec:      cfg.Business.ClaimExpiryCron,
		batchSize: 200,
		now:       time.Now,
	}
}

func (j *ClaimExpiryJob) Start() error {
	_, err := j.cron.AddFunc(j.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			zap.L().Error("[ClaimExpiryJob] 清理过期领取失败", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	zap.L().Info("[ClaimExpiryJob] 已启动", zap.String("spec", j.spec))
	return nil
}

func (j *ClaimExpiryJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	zap.L().Info("[ClaimExpiryJob] 已停止")
}

// RunOnce 分批处理所有已过期的领取记录，返回释放的名额数
func (j *ClaimExpiryJob) RunOnce(ctx context.Context) (int, error) {
	now := j.now()
	released := 0

	for {
		claims, err := j.claimRepo.ListExpired(ctx, now, j.batchSize)
		if err != nil {
			return released, err
		}
		if len(claims) == 0 {
			break
		}

		progressed := 0
		for _, claim := range claims {
			freed, err := j.ledger.Expire(ctx, claim.AccountID, claim.RequesterID)
			switch {
			case err == nil:
				progressed++
				if freed {
					released++
				}
			case errors.Is(err, service.ErrClaimNotFound):
				// 已被管理员删除
			case errors.Is(err, service.ErrAccountNotFound):
				zap.L().Error("[ClaimExpiryJob] 领取记录指向的账号不存在",
					zap.Int64("claim_id", claim.ID),
					zap.Int64("account_id", claim.AccountID))
				deleted, delErr := j.claimRepo.DeleteByAccount(ctx, nil, claim.AccountID)
				if delErr != nil {
					return released, delErr
				}
				progressed++
				released += int(deleted)
			default:
				zap.L().Warn("[ClaimExpiryJob] 释放名额失败",
					zap.Int64("claim_id", claim.ID),
					zap.Error(err))
			}
		}

		if progressed == 0 || len(claims) < j.batchSize {
			break
		}
	}

	if released > 0 {
		zap.L().Info("[ClaimExpiryJob] 本次释放过期领取", zap.Int("count", released))
	}
	return released, nil
}
