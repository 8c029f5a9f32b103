// Package main 程序入口。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"taxflow-go/internal/config"
	"taxflow-go/internal/handler"
	"taxflow-go/internal/middleware"
	"taxflow-go/internal/pipeline"
	"taxflow-go/internal/repository"
	"taxflow-go/internal/service"
	"taxflow-go/internal/transform"
	"taxflow-go/pkg/database"
	"taxflow-go/pkg/es"
	"taxflow-go/pkg/events"
	"taxflow-go/pkg/log"
	"taxflow-go/pkg/queue"
	"taxflow-go/pkg/storage"
	"taxflow-go/pkg/token"
)

func main() {
	// 1. 加载配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("logger initialized")

	// 3. 连接各数据存储
	db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatal("failed to connect to MySQL", err)
	}
	rdb, err := database.NewRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		log.Fatal("failed to connect to Redis", err)
	}
	store, err := storage.NewMinioStore(cfg.MinIO)
	if err != nil {
		log.Fatal("failed to connect to MinIO", err)
	}
	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Errorf("elasticsearch unavailable, log search disabled: %s", err)
		esClient = nil
	}

	// 4. 仓储层
	uploadRepo := repository.NewUploadRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	metricRepo := repository.NewMetricRepository(db)
	jobLogRepo := repository.NewJobLogRepository(db)

	// 5. 队列与事件
	enqueuer := queue.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.JobTopic)
	hub := events.NewHub()
	publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, hub, rdb)
	defer publisher.Close()

	// 6. 服务层（依赖注入）
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	creditService := service.NewCreditService(ledgerRepo)
	uploadService := service.NewUploadService(uploadRepo, creditService, store, enqueuer, publisher, cfg.Pipeline, cfg.Credits)
	monitorService := service.NewMonitorService(jobLogRepo, metricRepo, uploadRepo, publisher, esClient)

	// 7. 后台 worker
	transformWorker := pipeline.NewTransformWorker(
		uploadRepo,
		metricRepo,
		creditService,
		store,
		transform.NewCSVTransformer(),
		monitorService,
		publisher,
		cfg.Pipeline,
	)
	expireWorker := pipeline.NewExpireWorker(creditService)

	coordinator := queue.NewCoordinator(
		queue.NewRedisAttemptStore(rdb),
		time.Duration(cfg.Pipeline.BackoffSeconds)*time.Second,
		cfg.Pipeline.MaxAttempts,
		time.Duration(cfg.Pipeline.JobTimeoutSeconds)*time.Second,
	)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	jobConsumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.JobTopic, cfg.Kafka.ConsumerGroup, coordinator)
	jobConsumer.Register(pipeline.JobTypeTransformUpload, transformWorker)
	go jobConsumer.Start(workerCtx)

	creditConsumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.CreditTopic, cfg.Kafka.ConsumerGroup, coordinator)
	creditConsumer.Register(pipeline.JobTypeExpireGrant, expireWorker)
	go creditConsumer.Start(workerCtx)

	sweeper := pipeline.NewSweeper(creditService, enqueuer, cfg.Kafka.CreditTopic, cfg.Pipeline, cfg.Credits)
	go sweeper.Run(workerCtx)

	// 8. Gin 引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 路由
	uploadHandler := handler.NewUploadHandler(uploadService, monitorService, rdb)
	creditHandler := handler.NewCreditHandler(creditService)
	adminHandler := handler.NewAdminHandler(creditService, monitorService)
	streamHandler := handler.NewStatusStreamHandler(hub)

	apiV1 := r.Group("/api/v1")
	{
		uploads := apiV1.Group("/uploads")
		uploads.Use(middleware.AuthMiddleware(jwtManager))
		{
			uploads.POST("", uploadHandler.Submit)
			uploads.GET("", uploadHandler.List)
			uploads.GET("/metrics", uploadHandler.Metrics)
			uploads.GET("/:id", uploadHandler.Get)
			uploads.GET("/:id/status", uploadHandler.Status)
			uploads.GET("/:id/download", uploadHandler.Download)
			uploads.GET("/:id/logs", uploadHandler.Logs)
			uploads.POST("/:id/retry", uploadHandler.Retry)
			uploads.DELETE("/:id", uploadHandler.Delete)
		}

		credits := apiV1.Group("/credits")
		credits.Use(middleware.AuthMiddleware(jwtManager))
		{
			credits.GET("/balance", creditHandler.Balance)
			credits.GET("/history", creditHandler.History)
		}

		ws := apiV1.Group("/ws")
		ws.Use(middleware.AuthMiddleware(jwtManager))
		{
			ws.GET("/status", streamHandler.Stream)
		}

		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager), middleware.AdminOnly())
		{
			admin.POST("/credits/allocate", adminHandler.Allocate)
			admin.GET("/stats", adminHandler.Stats)
			admin.GET("/logs/search", adminHandler.SearchLogs)
		}
	}

	// 10. 启动服务并支持优雅退出
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %s", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received, stopping...")

	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", err)
	}
	log.Info("server stopped")
}
