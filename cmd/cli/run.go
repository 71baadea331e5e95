package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsdesk/internal/config"
	"opsdesk/internal/handlers"
	"opsdesk/internal/metrics"
	"opsdesk/internal/models"
	"opsdesk/internal/observability"
	"opsdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the opsdesk workflow/SLA engine",
	Long:  `Run the opsdesk workflow/SLA engine`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	// 初始化数据库
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	// 迁移
	if err := db.AutoMigrate(
		&models.User{}, &models.Client{},
		&models.Ticket{}, &models.TicketComment{},
		&models.WorkflowDefinition{}, &models.WorkflowInstance{},
		&models.SLAPolicy{}, &models.SLARule{}, &models.TicketSLATracking{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化服务
	wsHub := services.NewWebSocketHub()
	go wsHub.Run()

	notifier := services.NewNotifier(cfg.SMTP, appLogger)

	registry := services.NewWorkflowRegistry(db, appLogger)
	if err := registry.Reload(context.Background()); err != nil {
		appLogger.Fatalf("Failed to load workflow definitions: %v", err)
	}

	executor := services.NewActionExecutor(db, appLogger)
	executor.SetNotifier(notifier)
	executor.SetHub(wsHub)

	engine := services.NewWorkflowEngine(db, registry, executor, appLogger)

	slaService := services.NewSLAService(db, appLogger)
	slaService.SetNotifier(notifier)
	slaService.SetHub(wsHub)
	slaService.SetEngine(engine)
	slaService.SetWarningThresholds(cfg.SLA.WarningThresholds, cfg.SLA.WarningTolerance)

	ticketService := services.NewTicketService(db, appLogger, slaService)
	ticketService.SetEngine(engine)

	// 启动后台任务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go slaService.StartMonitor(ctx, cfg.SLA.CheckInterval)
	go registry.StartAutoReload(ctx, cfg.Workflow.ReloadInterval)

	// 设置 Gin 模式
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	ticketHandler := handlers.NewTicketHandler(ticketService, appLogger)
	workflowHandler := handlers.NewWorkflowHandler(registry, appLogger)
	slaHandler := handlers.NewSLAHandler(slaService, ticketService, appLogger)

	api := r.Group("/api")
	{
		api.POST("/tickets", ticketHandler.CreateTicket)
		api.GET("/tickets/:id", ticketHandler.GetTicket)
		api.PUT("/tickets/:id/status", ticketHandler.UpdateStatus)
		api.PUT("/tickets/:id/assign", ticketHandler.Assign)
		api.POST("/tickets/:id/comments", ticketHandler.AddComment)
		api.POST("/tickets/:id/sla/pause", slaHandler.Pause)
		api.POST("/tickets/:id/sla/resume", slaHandler.Resume)

		api.GET("/workflows", workflowHandler.List)
		api.POST("/workflows", workflowHandler.Create)
		api.PUT("/workflows/:id", workflowHandler.Update)
		api.DELETE("/workflows/:id", workflowHandler.Delete)

		api.POST("/sla/check", slaHandler.RunCheck)
	}

	// 健康检查、实时推送与运行指标
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ws_clients": wsHub.ClientCount()})
	})
	r.GET("/ws", wsHub.HandleWebSocket)
	r.GET("/stats", func(c *gin.Context) {
		runs, completed, failed, byTrigger := metrics.WorkflowSnapshot()
		ticks, breaches, escalations, notifications := metrics.SLASnapshot()
		c.JSON(http.StatusOK, gin.H{
			"workflow": gin.H{
				"runs":       runs,
				"completed":  completed,
				"failed":     failed,
				"by_trigger": byTrigger,
			},
			"sla": gin.H{
				"ticks":         ticks,
				"breaches":      breaches,
				"escalations":   escalations,
				"notifications": notifications,
			},
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}

	go func() {
		appLogger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}

	// 取消在途工作流实例并等待收尾
	engine.Shutdown()
	appLogger.Info("Server exited")
}
