package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tenantgate/internal/database"
	"tenantgate/internal/handlers"
	"tenantgate/internal/router"
	"tenantgate/internal/services"
	"tenantgate/internal/store"
	"tenantgate/pkg/config"
	"tenantgate/pkg/credential"
	"tenantgate/pkg/events"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/metrics"

	"github.com/gin-gonic/gin"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting tenantgate...")

	metrics.Init()
	if err := handlers.RegisterValidators(); err != nil {
		appLogger.Fatalf("Failed to register validators: %v", err)
	}

	health := map[string]handlers.Pinger{}

	// 存储
	var st store.Store
	switch cfg.Database.Driver {
	case "memory":
		appLogger.Warn("Using in-memory store, data is lost on restart")
		st = store.NewMemoryStore()
	default:
		if err := database.Initialize(cfg); err != nil {
			appLogger.Fatalf("Failed to initialize database: %v", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				appLogger.Error("Failed to close database:", err)
			}
		}()
		if err := database.Migrate(); err != nil {
			appLogger.Fatalf("Failed to migrate database: %v", err)
		}
		st = store.NewGormStore(database.GetDB())
		health["database"] = pingFunc(func(ctx context.Context) error {
			sqlDB, err := database.GetDB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
	}

	// 邮件
	var mailer services.Mailer = services.LogMailer{}
	if cfg.Mail.Driver == "redis" {
		q := database.GetRedisQueue()
		defer func() {
			if err := database.CloseRedisQueue(); err != nil {
				appLogger.Error("Failed to close Redis:", err)
			}
		}()
		mailer = services.NewQueueMailer(q, cfg.Mail.From)
		health["redis"] = q
	}

	// 安全事件
	var pub events.Publisher = events.LogPublisher{}
	if cfg.Events.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			appLogger.Errorf("Failed to connect NATS, falling back to log publisher: %v", err)
		} else {
			pub = natsPub
		}
	}
	defer pub.Close()

	hasher, err := credential.NewHasher(cfg.Auth.BcryptCost, cfg.Auth.HashWorkers)
	if err != nil {
		appLogger.Fatalf("Failed to create password hasher: %v", err)
	}

	notifier := services.NewNotifier(mailer, cfg.Mail)
	sessions := services.NewSessionService(st, cfg.Auth, nil)
	svc := router.Services{
		Sessions: sessions,
		Auth:     services.NewAuthService(st, sessions, hasher, notifier, pub, cfg.Auth, nil),
		Tenants:  services.NewTenantService(st, hasher, pub, nil),
		Users:    services.NewUserService(st, sessions, hasher, notifier, pub, cfg.Auth, nil),
		Roles:    services.NewRoleService(st, sessions, pub, nil),
		Health:   health,
	}

	// 执行种子数据初始化
	if err := seedData(context.Background(), cfg, svc.Tenants, sessions.PlatformTenantID()); err != nil {
		appLogger.Fatalf("Failed to initialize seed data: %v", err)
	}

	// 过期会话与令牌清理
	cleanup := services.NewCleanupScheduler(st, cfg.Cleanup, nil)
	if err := cleanup.Start(); err != nil {
		appLogger.Errorf("Failed to start cleanup scheduler: %v", err)
		// 不影响主服务启动
	}
	defer cleanup.Stop()

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)
	r := router.SetupRouter(cfg, svc)

	// 启动服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	svc.Auth.Wait()
	appLogger.Info("Server exited")
}
