package api

import (
	"context"
	"net/http"
	"time"

	"example.com/ticketing/services/fulfillment/config"
	"example.com/ticketing/services/fulfillment/internal/api/handlers"
	"example.com/ticketing/services/fulfillment/internal/metrics"
	"example.com/ticketing/services/fulfillment/internal/search"
	"example.com/ticketing/services/fulfillment/internal/services"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config         config.Config
	router         *gin.Engine
	httpServer     *http.Server
	publishService *services.PublishService
	orderService   *services.OrderService
	batchService   *services.BatchService
	searchClient   *search.ElasticClient
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	publishService *services.PublishService,
	orderService *services.OrderService,
	batchService *services.BatchService,
	searchClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:         cfg,
		publishService: publishService,
		orderService:   orderService,
		batchService:   batchService,
		searchClient:   searchClient,
		metrics:        metricsCollector,
		tracer:         tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestLogger())

	publishHandler := handlers.NewPublishHandler(s.publishService, s.tracer)
	publishHandler.RegisterRoutes(router)

	ordersHandler := handlers.NewOrdersHandler(s.orderService, s.config, s.tracer)
	ordersHandler.RegisterRoutes(router)

	delegationsHandler := handlers.NewDelegationsHandler(s.batchService, s.tracer)
	delegationsHandler.RegisterRoutes(router)

	searchHandler := handlers.NewSearchHandler(s.searchClient, s.tracer)
	searchHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
