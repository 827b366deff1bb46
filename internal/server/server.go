// Package server exposes the HTTP surface: credit accounts, the
// training document registry, fine-tuning jobs, and model version
// deployment.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/docuvine/docuvine/internal/config"
	creditdomain "github.com/docuvine/docuvine/internal/credit/domain"
	deploymentdomain "github.com/docuvine/docuvine/internal/deployment/domain"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(log.Named("server.http")))
	r.Use(ActorMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	creditSvc     creditdomain.Service
	documentSvc   documentdomain.Service
	finetuneSvc   finetunedomain.Service
	deploymentSvc deploymentdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	CreditSvc     creditdomain.Service
	DocumentSvc   documentdomain.Service
	FinetuneSvc   finetunedomain.Service
	DeploymentSvc deploymentdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		creditSvc:     p.CreditSvc,
		documentSvc:   p.DocumentSvc,
		finetuneSvc:   p.FinetuneSvc,
		deploymentSvc: p.DeploymentSvc,
	}

	svc.registerCreditRoutes()
	svc.registerDocumentRoutes()
	svc.registerFinetuneRoutes()
	svc.registerDeploymentRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerCreditRoutes() {
	accounts := s.engine.Group("/v1/accounts", RequireActor())

	accounts.POST("", RequireAdmin(), s.CreateAccount)
	accounts.GET("/:id/balance", s.GetBalance)
	accounts.POST("/:id/authorize", s.AuthorizeCredits)
	accounts.POST("/:id/debit", s.DebitCredits)
	accounts.POST("/:id/credit", RequireAdmin(), s.GrantCredits)
	accounts.GET("/:id/entries", s.ListUsageEntries)
	accounts.GET("/:id/reconcile", RequireAdmin(), s.ReconcileBalance)
}

func (s *Server) registerDocumentRoutes() {
	documents := s.engine.Group("/v1/documents", RequireActor())

	documents.POST("", s.CreateDocument)
	documents.GET("", s.QueryDocuments)
	documents.POST("/process", s.ProcessDocumentBatch)
	documents.POST("/split", RequireAdmin(), s.AutoAssignSplit)
	documents.GET("/:id", s.GetDocument)
	documents.POST("/:id/verify", s.VerifyDocument)
	documents.POST("/:id/reject", s.RejectDocument)
	documents.PATCH("/:id/training", s.SetIncludeInTraining)
	documents.GET("/:id/edits", s.ListDocumentEdits)
}

func (s *Server) registerFinetuneRoutes() {
	jobs := s.engine.Group("/v1/fine-tuning/jobs", RequireActor())

	jobs.POST("", RequireAdmin(), s.StartFineTuningJob)
	jobs.GET("", s.ListFineTuningJobs)
	jobs.GET("/:id", s.GetFineTuningJob)
	jobs.GET("/:id/status", s.GetFineTuningJobStatus)
	jobs.GET("/:id/documents", s.ListFineTuningJobDocuments)
	jobs.POST("/:id/cancel", RequireAdmin(), s.CancelFineTuningJob)
}

func (s *Server) registerDeploymentRoutes() {
	versions := s.engine.Group("/v1/model-versions", RequireActor())

	versions.GET("", s.ListModelVersions)
	versions.GET("/route", s.RouteModelVersion)
	versions.GET("/:id", s.GetModelVersion)
	versions.POST("/:id/deploy", RequireAdmin(), s.DeployModelVersion)
	versions.POST("/:id/deactivate", RequireAdmin(), s.DeactivateModelVersion)
	versions.POST("/:id/archive", RequireAdmin(), s.ArchiveModelVersion)
	versions.POST("/:id/traffic", RequireAdmin(), s.SetCanaryTraffic)
}
