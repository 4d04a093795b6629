package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	balancedomain "github.com/smallbiznis/balancer/internal/balance/domain"
	"github.com/smallbiznis/balancer/internal/cache"
	"github.com/smallbiznis/balancer/internal/config"
	featuredomain "github.com/smallbiznis/balancer/internal/feature/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/observability"
	obslogger "github.com/smallbiznis/balancer/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/balancer/internal/observability/metrics"
	obstracing "github.com/smallbiznis/balancer/internal/observability/tracing"
	"github.com/smallbiznis/balancer/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware())
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine()
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	balances     balancedomain.Service
	features     featuredomain.Service
	ledger       ledgerdomain.Service
	cache        *cache.BalanceCache
	trackLimiter *ratelimit.TrackLimiter
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Balances     balancedomain.Service
	Features     featuredomain.Service
	Ledger       ledgerdomain.Service
	Cache        *cache.BalanceCache
	TrackLimiter *ratelimit.TrackLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		balances:     p.Balances,
		features:     p.Features,
		ledger:       p.Ledger,
		cache:        p.Cache,
		trackLimiter: p.TrackLimiter,
		obsMetrics:   p.ObsMetrics,
	}
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", OrgContext())

	// -------- Balances --------
	api.POST("/balances/track", s.TrackRateLimit(), s.TrackUsage)
	api.POST("/balances/set", s.SetBalance)
	api.GET("/customers/:id/balances", s.GetCustomerBalances)

	// -------- Catalog --------
	api.POST("/features", s.CreateFeature)
	api.POST("/entitlements", s.CreateEntitlement)

	// -------- Customer entitlements --------
	api.POST("/customers/:id/entitlements", s.AttachEntitlement)
	api.POST("/customers/:id/products/:product_id/close", s.CloseCustomerProduct)
}
