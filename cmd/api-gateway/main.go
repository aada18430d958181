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
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-discipline-api/api/swagger"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	"github.com/noah-isme/sma-discipline-api/pkg/cache"
	"github.com/noah-isme/sma-discipline-api/pkg/config"
	"github.com/noah-isme/sma-discipline-api/pkg/database"
	"github.com/noah-isme/sma-discipline-api/pkg/export"
	"github.com/noah-isme/sma-discipline-api/pkg/jobs"
	"github.com/noah-isme/sma-discipline-api/pkg/logger"
)

// @title SMA Discipline API
// @version 1.0.0
// @description Violation recording and disciplinary case escalation for school counseling staff
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

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

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, summary caching disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rules := service.RulesFromConfig(cfg.Discipline)
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("discipline thresholds: %w", err)
	}

	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(
		repository.NewCacheRepository(redisClient, "discipline", logr),
		metrics,
		cfg.Discipline.SummaryCacheTTL,
		logr,
		redisClient != nil,
	)

	auditRepo := repository.NewAuditRepository(db)
	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	typeRepo := repository.NewViolationTypeRepository(db)
	violationRepo := repository.NewViolationRepository(db)
	caseRepo := repository.NewCaseRepository(db)

	engine := service.NewReconciliationService(service.ReconciliationServiceParams{
		Store:   repository.NewDisciplineRepository(db),
		Rules:   rules,
		Audit:   auditRepo,
		Cache:   cacheSvc,
		Metrics: metrics,
		Logger:  logr.Named("engine"),
	})

	violations := service.NewViolationService(service.ViolationServiceParams{
		Violations: violationRepo,
		Types:      typeRepo,
		Students:   studentRepo,
		Cases:      caseRepo,
		Engine:     engine,
		Audit:      auditRepo,
		Metrics:    metrics,
		Logger:     logr.Named("violations"),
		EditWindow: cfg.Discipline.EditWindow,
	})

	cases := service.NewCaseService(service.CaseServiceParams{
		Cases:  caseRepo,
		Engine: engine,
		Export: service.NewExportService(
			logr.Named("export"),
			export.NewCSVExporter(cfg.Exports.CSVBOM),
			export.NewPDFExporter("sma-discipline-api"),
		),
		Cache:         cacheSvc,
		Logger:        logr.Named("cases"),
		SummaryTTL:    cfg.Discipline.SummaryCacheTTL,
		ExportMaxRows: cfg.Exports.MaxRows,
	})

	catalog := service.NewCatalogReconciler(violationRepo, engine, jobs.QueueConfig{
		Workers:    cfg.Discipline.CatalogReconcileWorkers,
		MaxRetries: 2,
		RetryDelay: time.Second,
		Logger:     logr.Named("catalog"),
	})
	catalog.Start(ctx)
	defer catalog.Stop()

	types := service.NewViolationTypeService(typeRepo, auditRepo, catalog, nil, logr.Named("catalog"))

	auth := service.NewAuthService(userRepo, auditRepo, nil, logr.Named("auth"), service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(cfg, logr, routerDeps{
		auth:       auth,
		types:      types,
		violations: violations,
		engine:     engine,
		cases:      cases,
		metrics:    metrics,
		audit:      auditRepo,
		db:         db,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
