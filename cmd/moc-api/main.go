package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/fieldops/moc-api/api/swagger"
	"github.com/fieldops/moc-api/internal/handler"
	"github.com/fieldops/moc-api/internal/middleware"
	"github.com/fieldops/moc-api/internal/models"
	"github.com/fieldops/moc-api/internal/repository"
	"github.com/fieldops/moc-api/internal/service"
	"github.com/fieldops/moc-api/pkg/cache"
	"github.com/fieldops/moc-api/pkg/config"
	"github.com/fieldops/moc-api/pkg/database"
	"github.com/fieldops/moc-api/pkg/logger"
	corsmiddleware "github.com/fieldops/moc-api/pkg/middleware/cors"
	reqidmiddleware "github.com/fieldops/moc-api/pkg/middleware/requestid"
)

// @title MOC Workflow API
// @version 1.0.0
// @description Management of Change approval workflow engine
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	departmentRepo := repository.NewDepartmentRepository(db)
	changeRequestRepo := repository.NewChangeRequestRepository(db)
	historyRepo := repository.NewEditHistoryRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	notificationSvc := service.NewNotificationService(notificationRepo, redisClient, metricsSvc, logr, service.NotificationConfig{
		Workers:        cfg.Notifications.WorkerConcurrency,
		BufferSize:     cfg.Notifications.BufferSize,
		MaxRetries:     cfg.Notifications.MaxRetries,
		RetryDelay:     cfg.Notifications.RetryDelay,
		UnreadCountTTL: cfg.Notifications.UnreadCountTTL,
	})

	changeRequestSvc := service.NewChangeRequestService(
		changeRequestRepo, departmentRepo, userRepo, historyRepo,
		notificationSvc, validate, logr, cfg.Workflow.ConflictRetries,
	)
	workflowSvc := service.NewWorkflowService(
		changeRequestRepo, departmentRepo, notificationSvc, metricsSvc, logr,
		service.WorkflowConfig{
			RequireRejectComments: cfg.Workflow.RequireRejectComments,
			ConflictRetries:       cfg.Workflow.ConflictRetries,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authSvc)
	changeRequestHandler := handler.NewChangeRequestHandler(changeRequestSvc, workflowSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	departmentHandler := handler.NewDepartmentHandler(departmentRepo)
	userHandler := handler.NewUserHandler(userRepo)

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))

	protected.GET("/auth/me", authHandler.Me)

	engineerOrAdmin := middleware.RBAC(models.RoleAdmin, models.RoleEngineer)

	cr := protected.Group("/change-requests")
	cr.POST("", engineerOrAdmin, changeRequestHandler.Create)
	cr.GET("", changeRequestHandler.List)
	cr.GET("/:id", changeRequestHandler.Get)
	cr.PATCH("/:id", engineerOrAdmin, changeRequestHandler.Update)
	cr.DELETE("/:id", engineerOrAdmin, changeRequestHandler.Delete)
	cr.GET("/:id/history", changeRequestHandler.History)
	cr.POST("/:id/status", engineerOrAdmin, changeRequestHandler.ChangeStatus)
	cr.POST("/:id/departments/:departmentId/vote", engineerOrAdmin, changeRequestHandler.DepartmentVote)
	cr.POST("/:id/resubmit", engineerOrAdmin, changeRequestHandler.Resubmit)

	protected.GET("/departments", departmentHandler.List)
	protected.GET("/departments/:id", departmentHandler.Get)

	protected.GET("/users", userHandler.List)
	protected.GET("/users/:id", userHandler.Get)

	notif := protected.Group("/notifications")
	notif.GET("", notificationHandler.List)
	notif.GET("/unread-count", notificationHandler.UnreadCount)
	notif.POST("/read-all", notificationHandler.MarkAllRead)
	notif.POST("/:id/read", notificationHandler.MarkRead)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
