package main

import (
	"context"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/handler"
	"github.com/noah-isme/sma-discipline-api/internal/middleware"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	"github.com/noah-isme/sma-discipline-api/pkg/config"
	"github.com/noah-isme/sma-discipline-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-discipline-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-discipline-api/pkg/middleware/requestid"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type routerDeps struct {
	auth       *service.AuthService
	types      *service.ViolationTypeService
	violations *service.ViolationService
	engine     *service.ReconciliationService
	cases      *service.CaseService
	metrics    *service.MetricsService
	audit      *repository.AuditRepository
	db         pinger
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, userField))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.metrics))

	metricsHandler := handler.NewMetricsHandler(deps.metrics, deps.db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(deps.auth)
	typeHandler := handler.NewViolationTypeHandler(deps.types)
	violationHandler := handler.NewViolationHandler(deps.violations)
	studentHandler := handler.NewStudentHandler(deps.violations, deps.engine)
	caseHandler := handler.NewCaseHandler(deps.cases)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())
	api.POST("/auth/login", authHandler.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.auth))
	secured.GET("/auth/me", authHandler.Me)

	staff := secured.Group("")
	staff.Use(middleware.RequireRoles(middleware.Staff...))
	staff.GET("/violation-types", typeHandler.List)
	staff.GET("/violation-types/:id", typeHandler.Get)
	staff.GET("/violations", violationHandler.List)
	staff.POST("/violations", violationHandler.Record)
	staff.PUT("/violations/:id", violationHandler.Update)
	staff.DELETE("/violations/:id", violationHandler.Delete)
	staff.GET("/students/:id/violations/summary", studentHandler.ViolationSummary)
	staff.GET("/cases", caseHandler.List)
	staff.GET("/cases/summary", caseHandler.Summary)
	staff.GET("/cases/export", middleware.Audit(deps.audit, logr, models.AuditActionCaseExport, "discipline_cases"), caseHandler.Export)
	staff.GET("/cases/:id", caseHandler.Get)
	staff.POST("/cases/:id/transition", caseHandler.Transition)
	staff.POST("/cases/:id/letter/print", caseHandler.PrintLetter)
	staff.GET("/metrics/summary", metricsHandler.Snapshot)

	counseling := secured.Group("")
	counseling.Use(middleware.RequireRoles(models.RoleCounselor, models.RoleHeadmaster))
	counseling.POST("/students/:id/reconcile", studentHandler.Reconcile)

	// Catalog maintenance is left to administrators, which RequireRoles always admits.
	catalog := secured.Group("")
	catalog.Use(middleware.RequireRoles())
	catalog.POST("/violation-types", typeHandler.Create)
	catalog.PUT("/violation-types/:id", typeHandler.Update)
	catalog.DELETE("/violation-types/:id", typeHandler.Deactivate)

	return r
}

func userField(c *gin.Context) []zap.Field {
	claims, ok := middleware.Claims(c)
	if !ok {
		return nil
	}
	return []zap.Field{zap.String("user_id", claims.UserID), zap.String("role", string(claims.Role))}
}
