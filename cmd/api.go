package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/ticketing/services/fulfillment/config"
	"example.com/ticketing/services/fulfillment/internal/api"
	"example.com/ticketing/services/fulfillment/internal/cache"
	"example.com/ticketing/services/fulfillment/internal/chain"
	"example.com/ticketing/services/fulfillment/internal/database"
	"example.com/ticketing/services/fulfillment/internal/messaging"
	"example.com/ticketing/services/fulfillment/internal/metrics"
	"example.com/ticketing/services/fulfillment/internal/repositories"
	"example.com/ticketing/services/fulfillment/internal/search"
	"example.com/ticketing/services/fulfillment/internal/services"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server handling publishes, orders, webhooks and delegation batches`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	deps, err := buildDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	server := api.NewServer(cfg, deps.publishService, deps.orderService, deps.batchService, deps.elastic, deps.metrics, deps.tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

// dependencies holds the shared wiring both the API and the worker build
type dependencies struct {
	publishService *services.PublishService
	orderService   *services.OrderService
	batchService   *services.BatchService
	azureBus       *messaging.AzureServiceBus
	redisCache     *cache.RedisCache
	elastic        *search.ElasticClient
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
}

func (d *dependencies) close() {
	if d.azureBus != nil {
		if err := d.azureBus.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Service Bus client")
		}
	}
	if err := d.redisCache.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Redis client")
	}
	d.tracer.Close()
}

func buildDependencies(cfg config.Config) (*dependencies, error) {
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search indexing")
	}

	azureBus, err := messaging.NewAzureServiceBus(cfg.Azure, tracer)
	if err != nil {
		return nil, err
	}

	chainClient, err := chain.NewEthClient(cfg.Chain)
	if err != nil {
		return nil, err
	}
	sponsor := chain.NewSponsorExecutor(cfg.Relay)

	metricsCollector := metrics.NewMetrics()

	// Hard dependencies reached this point alive; optional ones report what
	// the warn-and-continue path left behind
	metricsCollector.SetHealth("database", true)
	metricsCollector.SetHealth("chain", true)
	metricsCollector.SetHealth("queue", true)
	metricsCollector.SetHealth("cache", redisCache.Enabled())
	metricsCollector.SetHealth("search", elasticClient != nil)

	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	draftRepo := repositories.NewDraftRepository(db, readOnlyDB)
	orderRepo := repositories.NewOrderRepository(db, readOnlyDB)
	delegationRepo := repositories.NewDelegationRepository(db, readOnlyDB)
	attestationRepo := repositories.NewAttestationRepository(db, readOnlyDB)
	ticketRepo := repositories.NewTicketRepository(db, readOnlyDB)

	writerID, err := os.Hostname()
	if err != nil || writerID == "" {
		writerID = "fulfillment-worker"
	}

	publishService := services.NewPublishService(
		eventRepo, draftRepo, chainClient, sponsor, cfg.Relay.Enabled, metricsCollector, tracer)

	orderService := services.NewOrderService(
		orderRepo, eventRepo, attestationRepo, ticketRepo, chainClient,
		azureBus, redisCache, elasticClient,
		writerID, cfg.Reconciler.OrderTimeout,
		metricsCollector, tracer)

	batchService := services.NewBatchService(
		delegationRepo, attestationRepo, chainClient, cfg.Batch.MaxRows, metricsCollector, tracer)

	return &dependencies{
		publishService: publishService,
		orderService:   orderService,
		batchService:   batchService,
		azureBus:       azureBus,
		redisCache:     redisCache,
		elastic:        elasticClient,
		metrics:        metricsCollector,
		tracer:         tracer,
	}, nil
}
