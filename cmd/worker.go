package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/ticketing/services/fulfillment/config"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to fulfill paid orders from the queue, execute delegation batches and run the fallback reconciliation jobs`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

	deps, err := buildDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	// Fulfillment jobs from the webhook land on the queue; this is the
	// authoritative writer for each claimed order
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting fulfillment job processor")
		return deps.azureBus.ProcessMessages(ctx, deps.orderService.ProcessFulfillmentMessage)
	})

	// Scheduled jobs: the batch executor drains pending delegations on a
	// cadence; the timeout sweep and stalled-batch recovery run as fallback
	// mechanisms behind the primary flows
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		sweepEvery := cfg.Reconciler.PollInterval * 30
		if sweepEvery <= 0 {
			sweepEvery = time.Minute
		}
		_, err = scheduler.NewJob(
			gocron.DurationJob(sweepEvery),
			gocron.NewTask(func() {
				if err := deps.orderService.SweepTimeouts(ctx); err != nil {
					log.Error().Err(err).Msg("Timeout sweep failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		batchEvery := cfg.Batch.Schedule
		if batchEvery <= 0 {
			batchEvery = 5 * time.Minute
		}
		_, err = scheduler.NewJob(
			gocron.DurationJob(batchEvery),
			gocron.NewTask(func() {
				log.Info().Msg("Running scheduled delegation batches")
				if err := deps.batchService.ExecutePending(ctx); err != nil {
					log.Error().Err(err).Msg("Scheduled batch run failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		recoverEvery := 2 * batchEvery
		_, err = scheduler.NewJob(
			gocron.DurationJob(recoverEvery),
			gocron.NewTask(func() {
				log.Info().Msg("Running stalled batch recovery")
				if err := deps.batchService.RecoverStalled(ctx, recoverEvery); err != nil {
					log.Error().Err(err).Msg("Stalled batch recovery failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
