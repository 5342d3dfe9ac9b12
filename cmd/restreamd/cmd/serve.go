package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhaslett/restreamd/internal/database"
	"github.com/dhaslett/restreamd/internal/events"
	"github.com/dhaslett/restreamd/internal/ffmpeg"
	"github.com/dhaslett/restreamd/internal/health"
	internalhttp "github.com/dhaslett/restreamd/internal/http"
	"github.com/dhaslett/restreamd/internal/http/handlers"
	"github.com/dhaslett/restreamd/internal/metrics"
	"github.com/dhaslett/restreamd/internal/repository"
	"github.com/dhaslett/restreamd/internal/service"
	"github.com/dhaslett/restreamd/internal/storage"
	"github.com/dhaslett/restreamd/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the restreamd daemon",
	Long: `Start the restreamd daemon.

The daemon supervises one encoder process per running channel and
provides:
- REST API for channel management and lifecycle control
- WebSocket feed of live channel stats
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().String("media-path", "", "Media output directory")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	overrideString(cmd.Flags(), "host", &cfg.Server.Host)
	overrideInt(cmd.Flags(), "port", &cfg.Server.Port)
	overrideString(cmd.Flags(), "media-path", &cfg.Media.BasePath)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}

	setupLogging(cfg)
	logger := slog.Default()

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	channelRepo := repository.NewChannelRepository(db.DB)
	logRepo := repository.NewChannelLogRepository(db.DB, cfg.Logs.MaxEntriesPerChannel)

	bus := events.NewBus(cfg.Health.SubscriberBuffer, logger)
	defer bus.Close()

	media := storage.NewMediaStore(cfg.Media, logger)
	probe := ffmpeg.NewProbe(cfg.FFmpeg, logger)
	builder := ffmpeg.NewBuilder(cfg.FFmpeg, cfg.Media, probe, logger)
	prober := ffmpeg.NewProber(cfg.FFmpeg)
	stats := metrics.NewStatsCollector()

	sup := supervisor.New(cfg.Supervisor, channelRepo, builder, media, bus, logger)
	loop := health.NewLoop(cfg.Health, channelRepo, sup, stats, media, bus, logger)
	fanout := health.NewFanout(cfg.Health, channelRepo, sup, stats, logger)

	svc := service.NewChannelService(channelRepo, logRepo, sup, builder, probe, prober, fanout, logger)
	sink := service.NewLogSink(logRepo, bus, logger)
	pruner, err := service.NewLogPruner(cfg.Logs.PruneSchedule, logRepo, logger)
	if err != nil {
		return fmt.Errorf("initializing log pruner: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Converge leftover state from a previous run before serving.
	if err := loop.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	go loop.Run(ctx)
	go fanout.Run(ctx)
	go sink.Run(ctx)
	pruner.Start()
	defer pruner.Stop()

	server := internalhttp.NewServer(cfg.Server, fanout, logger)
	handlers.NewChannelHandler(svc, logger).Register(server.API())
	handlers.NewCapabilitiesHandler(svc).Register(server.API())
	handlers.NewSystemHandler(db).Register(server.API())

	err = server.ListenAndServe(ctx)

	// Stop every encoder before the process exits so no orphans stay
	// behind writing to the media tree.
	sup.Shutdown(context.Background())

	if err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("restreamd stopped")
	return nil
}
