package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credvault/internal/config"
	"credvault/internal/crypto"
	"credvault/internal/handler"
	"credvault/internal/infrastructure/cache"
	"credvault/internal/infrastructure/database"
	"credvault/internal/infrastructure/mailbox"
	"credvault/internal/infrastructure/mq"
	"credvault/internal/job"
	"credvault/internal/service"
	"credvault/pkg/idgen"
	"credvault/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "snowflake 节点 ID")
	flag.Parse()

	// 加载配置
	cfg := config.LoadConfig(*configPath)

	log, err := logger.Init(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 初始化 ID 生成器
	idgen.Init(*workerID)

	cipher, err := crypto.NewCipherFromConfig(&cfg.Crypto)
	if err != nil {
		log.Fatal("初始化加密失败", zap.Error(err))
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		log.Fatal("初始化 MySQL 失败", zap.Error(err))
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		log.Fatal("初始化 Redis 失败", zap.Error(err))
	}
	defer redisClient.Close()

	// 初始化 Kafka
	publisher, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		log.Fatal("初始化 Kafka 失败", zap.Error(err))
	}
	defer publisher.Close()

	// 组装服务
	issuers := service.NewIssuerRegistry(
		service.NewTOTPIssuer(cipher, cfg.TwoFA.TOTP.Skew),
		service.NewMailboxIssuer(mailbox.NewIMAPFetcher(&cfg.TwoFA.Mailbox), cipher, cfg.TwoFA.Mailbox.Timeout, cfg.TwoFA.Mailbox.Lookback),
	)
	notifier := service.NewAlertNotifier(db, cfg)
	engine := service.NewAllocationEngine(db, redisClient, cfg, cipher, issuers, notifier)
	h := handler.NewHandler(
		engine,
		service.NewProductService(db, cipher),
		notifier,
		service.NewExportService(db, cipher),
	)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, publisher, cfg)
	go outboxSender.Start(ctx)

	claimExpiryJob := job.NewClaimExpiryJob(db, cfg)
	if err := claimExpiryJob.Start(); err != nil {
		log.Fatal("启动领取过期任务失败", zap.Error(err))
	}

	// 设置路由
	router := handler.SetupRouter(h)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()
	claimExpiryJob.Stop()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
}
