// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"picoammeter-service/internal/config"
	"picoammeter-service/internal/database"
	"picoammeter-service/internal/handler"
	"picoammeter-service/internal/middleware"
	"picoammeter-service/internal/observability"
	"picoammeter-service/internal/service"
	"picoammeter-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config   *config.Config
	logger   *zap.Logger
	db       *database.DB
	service  *service.InstrumentService
	bus      *handler.EventBus
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer

	wsHandler *handler.WebSocketHandler
}

// NewRouter creates a new router instance. db may be nil.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db *database.DB,
	instrumentService *service.InstrumentService,
	bus *handler.EventBus,
	metrics *observability.Metrics,
	gatherer prometheus.Gatherer,
) *Router {
	return &Router{
		config:   config,
		logger:   logger,
		db:       db,
		service:  instrumentService,
		bus:      bus,
		metrics:  metrics,
		gatherer: gatherer,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.App.Environment == "test" {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// CloseStreams disconnects WebSocket clients ahead of server shutdown
func (r *Router) CloseStreams() {
	if r.wsHandler != nil {
		r.wsHandler.Close()
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(r.logger))

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger, r.metrics))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.db, r.service, r.bus, r.config, r.logger)
	instrumentHandler := handler.NewInstrumentHandler(r.service, r.logger)
	r.wsHandler = handler.NewWebSocketHandler(r.service, r.bus, &r.config.Security, r.logger)

	healthHandler.RegisterRoutes(router)

	instrumentHandler.RegisterRoutes(router.Group("/api/v1"))

	r.wsHandler.RegisterRoutes(router.Group("/ws"))

	if r.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
	}

	r.logger.Info("All routes configured successfully")
}
