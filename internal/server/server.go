// Package server assembles the HTTP boundary: routing, middleware and
// request handlers over the session, consent, vault and pipeline layers.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/coverlens/coverlens/pkg/config"
	"github.com/coverlens/coverlens/pkg/consent"
	"github.com/coverlens/coverlens/pkg/health"
	"github.com/coverlens/coverlens/pkg/pipeline"
	"github.com/coverlens/coverlens/pkg/progress"
	"github.com/coverlens/coverlens/pkg/report"
	"github.com/coverlens/coverlens/pkg/session"
	"github.com/coverlens/coverlens/pkg/vault"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store        session.Store
	Vault        *vault.Vault
	Ledger       consent.Ledger
	Orchestrator *pipeline.Orchestrator
	Publisher    *progress.Publisher
	Signer       *vault.TokenSigner
	Reports      *report.Builder
	Checker      *health.Checker
	Logger       *slog.Logger
}

// Server is the HTTP boundary of the service.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *gin.Engine
}

// New creates a server and wires its routes.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	registerValidations()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RequestID())
	router.Use(Recovery(deps.Logger))
	router.Use(RequestLogger(deps.Logger))

	s := &Server{cfg: cfg, deps: deps, router: router}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	if s.deps.Checker != nil {
		s.router.GET("/healthz", gin.WrapF(s.deps.Checker.LivenessHandler()))
		s.router.GET("/readyz", gin.WrapF(s.deps.Checker.ReadinessHandler()))
	}

	api := s.router.Group("/api/v1")
	{
		api.POST("/sessions", s.handleSubmit)
		api.GET("/sessions/:id/progress", s.handleProgress)
		api.GET("/sessions/:id/stream", s.handleStream)
		api.GET("/sessions/:id/results", s.handleResults)
		api.POST("/sessions/:id/consent", s.handleConsent)
		api.GET("/sessions/:id/privacy-report", s.handlePrivacyReport)
		api.DELETE("/sessions/:id", s.handleDelete)
	}
}

// Handler exposes the router for net/http servers and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// registerValidations adds custom binding validations.
func registerValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("jurisdiction", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		if len(code) != 2 {
			return false
		}
		for _, r := range code {
			if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
				return false
			}
		}
		return true
	})
}
