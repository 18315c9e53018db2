package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/inducer/relate-sub000/internal/content"
	"github.com/inducer/relate-sub000/internal/handler"
	"github.com/inducer/relate-sub000/internal/middleware"
	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/page"
	"github.com/inducer/relate-sub000/internal/repository"
	"github.com/inducer/relate-sub000/internal/service"
	"github.com/inducer/relate-sub000/pkg/cache"
	"github.com/inducer/relate-sub000/pkg/config"
	"github.com/inducer/relate-sub000/pkg/database"
	"github.com/inducer/relate-sub000/pkg/jobs"
	"github.com/inducer/relate-sub000/pkg/logger"
	corsmiddleware "github.com/inducer/relate-sub000/pkg/middleware/cors"
	reqidmiddleware "github.com/inducer/relate-sub000/pkg/middleware/requestid"
)

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
		logr.Sugar().Warnw("redis unavailable, grade state cache disabled", "error", err)
		redisClient = nil
	}

	runner := database.NewRetryRunner(db, database.RetryPolicy{
		MaxAttempts: cfg.Engine.TxMaxAttempts,
		BackoffMin:  cfg.Engine.TxBackoffMin,
		BackoffMax:  cfg.Engine.TxBackoffMax,
	}, logr)

	courseRepo := repository.NewCourseRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	pageDataRepo := repository.NewPageDataRepository(db, runner)
	visitRepo := repository.NewVisitRepository(db)
	exceptionRepo := repository.NewExceptionRepository(db)
	changeRepo := repository.NewGradeChangeRepository(db)
	opportunityRepo := repository.NewOpportunityRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	provider := content.NewFileProvider(cfg.Content.Root, func(courseID string) (*models.Course, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return courseRepo.GetCourse(ctx, courseID)
	}, logr)

	validate := validator.New()
	metrics := service.NewMetricsService()

	ruleSvc := service.NewRuleService(exceptionRepo, sessionRepo, metrics, logr)
	gradeSvc := service.NewGradeService(opportunityRepo, changeRepo, cacheRepo,
		cfg.GradeCache.TTL, cfg.GradeCache.Enabled, metrics, logr)
	sessionSvc := service.NewSessionService(courseRepo, sessionRepo, pageDataRepo, visitRepo,
		ruleSvc, gradeSvc, provider, page.NewRegistry(), validate, metrics, logr)
	batchSvc := service.NewBatchService(sessionRepo, sessionSvc, validate, metrics, logr)

	batchQueue := jobs.NewQueue("batch", batchSvc.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Batch.Workers,
		BufferSize: cfg.Batch.BufferSize,
		MaxRetries: cfg.Batch.MaxRetries,
		RetryDelay: cfg.Batch.RetryDelay,
		Logger:     logr,
	})
	batchSvc.AttachQueue(batchQueue)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	batchQueue.Start(rootCtx)
	defer batchQueue.Stop()

	sessionHandler := handler.NewSessionHandler(sessionSvc)
	gradeHandler := handler.NewGradeHandler(gradeSvc)
	batchHandler := handler.NewBatchHandler(batchSvc)
	exceptionHandler := handler.NewExceptionHandler(ruleSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/sessions", sessionHandler.Start)
		api.GET("/sessions/:id/access", sessionHandler.Access)
		api.POST("/sessions/:id/finish", sessionHandler.Finish)
		api.POST("/sessions/:id/expire", sessionHandler.Expire)
		api.POST("/sessions/:id/reopen", sessionHandler.Reopen)
		api.POST("/sessions/:id/regrade", sessionHandler.Regrade)
		api.POST("/sessions/:id/recalculate", sessionHandler.Recalculate)

		api.GET("/sessions/:id/pages", sessionHandler.Pages)
		api.GET("/sessions/:id/pages/:ordinal", sessionHandler.Page)
		api.POST("/sessions/:id/pages/:ordinal/save", sessionHandler.SaveAnswer)
		api.POST("/sessions/:id/pages/:ordinal/submit", sessionHandler.SubmitAnswer)
		api.PUT("/sessions/:id/pages/:ordinal/bookmark", sessionHandler.Bookmark)

		api.GET("/opportunities/:id", gradeHandler.Opportunity)
		api.GET("/opportunities/:id/participations/:participationId/grade-state", gradeHandler.GradeState)

		api.POST("/exceptions", exceptionHandler.Grant)
		api.DELETE("/exceptions/:id", exceptionHandler.Revoke)

		api.POST("/batch/:operation", batchHandler.Run)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
