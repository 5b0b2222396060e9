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
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/fitsync/fitsync-api/api/swagger"
	"github.com/fitsync/fitsync-api/internal/handler"
	"github.com/fitsync/fitsync-api/internal/middleware"
	"github.com/fitsync/fitsync-api/internal/models"
	"github.com/fitsync/fitsync-api/internal/repository"
	"github.com/fitsync/fitsync-api/internal/service"
	"github.com/fitsync/fitsync-api/pkg/cache"
	"github.com/fitsync/fitsync-api/pkg/config"
	"github.com/fitsync/fitsync-api/pkg/database"
	"github.com/fitsync/fitsync-api/pkg/jobs"
	"github.com/fitsync/fitsync-api/pkg/logger"
	corsmiddleware "github.com/fitsync/fitsync-api/pkg/middleware/cors"
	reqidmiddleware "github.com/fitsync/fitsync-api/pkg/middleware/requestid"
)

// @title FitSync API
// @version 1.0.0
// @description Fitness coaching backend: accounts and session lifecycle
// @BasePath /
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	tokenRepo := repository.NewTokenRepository(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	codec := service.NewAccessTokenCodec(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	sessionSvc := service.NewSessionService(tokenRepo, userRepo, codec, nil, nil, nil, service.SessionConfig{
		AccessTokenTTL:  cfg.Sessions.AccessTokenTTL,
		RefreshTokenTTL: cfg.Sessions.RefreshTokenTTL,
		CacheTTL:        cfg.Sessions.CacheTTL,
	}, logr)
	sessionSvc.AttachMetrics(metricsSvc)

	if redisClient, err := cache.NewRedis(cfg.Redis); err != nil {
		logr.Sugar().Warnw("redis unavailable, session view cache disabled", "error", err)
	} else {
		defer redisClient.Close()
		sessionSvc.AttachCache(repository.NewCacheRepository(redisClient, logr))
	}

	authSvc := service.NewAuthService(userRepo, sessionSvc, service.BcryptHasher{}, auditRepo, validate, logr)
	userSvc := service.NewUserService(userRepo, sessionSvc, service.BcryptHasher{}, auditRepo, validate, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)

	authed := auth.Group("")
	authed.Use(middleware.JWT(codec))
	authed.POST("/logout", authHandler.Logout)
	authed.POST("/change-password", authHandler.ChangePassword)
	authed.GET("/sessions", authHandler.Sessions)
	authed.GET("/me", authHandler.Me)

	users := api.Group("/users")
	users.Use(middleware.JWT(codec))
	users.GET("", middleware.RequireRoles(models.RoleAdmin), userHandler.List)
	users.POST("", middleware.RequireRoles(models.RoleAdmin), userHandler.Create)
	users.GET("/:id", middleware.RBAC(string(models.RoleAdmin), "SELF"), userHandler.Get)
	users.GET("/:id/audit", middleware.RequireRoles(models.RoleAdmin), userHandler.AuditTrail)
	users.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), userHandler.Deactivate)

	if cfg.Sessions.CleanupEnabled {
		sweep := jobs.NewQueue("session-cleanup", func(jobCtx context.Context, job jobs.Job) error {
			cutoff, ok := job.Payload.(time.Time)
			if !ok {
				return fmt.Errorf("unexpected payload type %T", job.Payload)
			}
			deleted, err := tokenRepo.DeleteExpiredBefore(jobCtx, cutoff)
			if err != nil {
				return err
			}
			if deleted > 0 {
				logr.Sugar().Infow("purged expired refresh tokens", "count", deleted, "cutoff", cutoff)
			}
			return nil
		}, jobs.QueueConfig{
			Workers:    cfg.Sessions.CleanupWorkers,
			MaxRetries: cfg.Sessions.CleanupMaxRetries,
			Logger:     logr,
		})
		sweep.Start(ctx)
		defer sweep.Stop()

		go func() {
			ticker := time.NewTicker(cfg.Sessions.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					job := jobs.Job{
						ID:      uuid.NewString(),
						Type:    "purge-expired-tokens",
						Payload: time.Now().UTC().Add(-cfg.Sessions.CleanupRetention),
					}
					if err := sweep.Enqueue(job); err != nil {
						logr.Sugar().Warnw("failed to enqueue cleanup job", "error", err)
					}
				}
			}
		}()
	}

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
