package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/voxa/internal/clock"
	"github.com/smallbiznis/voxa/internal/config"
	"github.com/smallbiznis/voxa/internal/credit"
	"github.com/smallbiznis/voxa/internal/generation"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	"github.com/smallbiznis/voxa/internal/identity"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	"github.com/smallbiznis/voxa/internal/observability"
	obsmiddleware "github.com/smallbiznis/voxa/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/voxa/internal/observability/metrics"
	obstracing "github.com/smallbiznis/voxa/internal/observability/tracing"
	"github.com/smallbiznis/voxa/internal/ratelimit"
	"github.com/smallbiznis/voxa/internal/storage"
	"github.com/smallbiznis/voxa/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"github.com/smallbiznis/voxa/internal/synthesis"
	"github.com/smallbiznis/voxa/internal/voiceclone"
	voiceclonedomain "github.com/smallbiznis/voxa/internal/voiceclone/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	identity.Module,
	subscription.Module,
	credit.Module,
	voiceclone.Module,
	synthesis.Module,
	storage.Module,
	generation.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	clock           clock.Clock
	verifier        identitydomain.Verifier
	identitySvc     identitydomain.Service
	subscriptionSvc subscriptiondomain.Service
	generationSvc   generationdomain.Service
	gateway         synthesis.Gateway
	store           storage.Store
	voiceRepo       voiceclonedomain.Repository
	catalogue       *config.CatalogueHolder
	limiter         *ratelimit.GenerationLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Clock           clock.Clock
	Verifier        identitydomain.Verifier
	IdentitySvc     identitydomain.Service
	SubscriptionSvc subscriptiondomain.Service
	GenerationSvc   generationdomain.Service
	Gateway         synthesis.Gateway
	Store           storage.Store
	VoiceRepo       voiceclonedomain.Repository
	Catalogue       *config.CatalogueHolder
	Limiter         *ratelimit.GenerationLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics          `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		clock:           p.Clock,
		verifier:        p.Verifier,
		identitySvc:     p.IdentitySvc,
		subscriptionSvc: p.SubscriptionSvc,
		generationSvc:   p.GenerationSvc,
		gateway:         p.Gateway,
		store:           p.Store,
		voiceRepo:       p.VoiceRepo,
		catalogue:       p.Catalogue,
		limiter:         p.Limiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health/synthesis", s.SynthesisHealth)

	// Audio URLs are handed out in responses and fetched by players that
	// cannot attach credentials.
	api.GET("/audio/:filename", s.ServeAudio)

	authed := api.Group("", s.APIKeyRequired())

	// -------- Generation --------
	authed.POST("/generate/stream", s.GenerationRateLimit(), s.GenerateStream)
	authed.POST("/generate", s.GenerationRateLimit(), s.Generate)
	authed.GET("/generations", s.ListGenerations)
	authed.GET("/generations/:id", s.GetGenerationByID)

	// -------- Catalogue --------
	authed.GET("/languages", s.ListLanguages)
	authed.GET("/voices", s.ListVoices)

	// -------- Account --------
	authed.GET("/me", s.GetMe)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/admin", s.APIKeyRequired(), s.AdminRequired())

	// -------- Subscriptions --------
	admin.POST("/subscriptions", s.CreateSubscription)
	admin.GET("/subscriptions", s.ListSubscriptions)
	admin.GET("/subscriptions/:id", s.GetSubscriptionByID)
	admin.DELETE("/subscriptions/:id", s.ExpireSubscription)

	// -------- Users & API keys --------
	admin.POST("/users", s.CreateUser)
	admin.GET("/users/:id", s.GetUserByID)
	admin.GET("/users/:id/api-keys", s.ListAPIKeys)
	admin.POST("/users/:id/api-keys", s.CreateAPIKey)
	admin.DELETE("/api-keys/:key_id", s.RevokeAPIKey)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
