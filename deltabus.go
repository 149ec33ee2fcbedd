package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/admin"
	"github.com/deltabus/deltabus/builder"
	"github.com/deltabus/deltabus/cfg"
	"github.com/deltabus/deltabus/engine"
	"github.com/deltabus/deltabus/hlc"
	"github.com/deltabus/deltabus/id"
	"github.com/deltabus/deltabus/registry"
	"github.com/deltabus/deltabus/server"
	"github.com/deltabus/deltabus/telemetry"

	_ "github.com/deltabus/deltabus/transport/kafkabus"
	_ "github.com/deltabus/deltabus/transport/natsbus"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Deltabus - Delta Capture and Distribution Engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Sequencing core: clock, lineage, registry, builder
	clock := hlc.NewClock(cfg.Config.NodeID)
	lineage := id.NewHLCLineageGenerator(clock, fmt.Sprintf("node-%d-%d", cfg.Config.NodeID, time.Now().UnixNano()))
	tableRegistry := registry.New(cfg.Config.Builder.AllowTableRedefinition)
	deltaBuilder := builder.New(tableRegistry, clock, lineage, cfg.Config.Builder.BatchRowThresholdBytes)

	// Distribution engine
	eng, err := engine.New(engine.Config{
		QueueCapacity:     cfg.Config.Distribution.QueueCapacity,
		OverflowPolicy:    cfg.Config.Distribution.OverflowPolicy,
		MaxSendRetries:    cfg.Config.Distribution.MaxSendRetries,
		RetryBackoff:      time.Duration(cfg.Config.Distribution.RetryBackoffMS) * time.Millisecond,
		ShutdownPolicy:    cfg.Config.Distribution.ShutdownPolicy,
		SnapshotCacheSize: cfg.Config.Builder.SnapshotCacheSize,
	}, tableRegistry, deltaBuilder)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize distribution engine")
		return
	}

	for _, sink := range cfg.Config.Sinks {
		if err := eng.AddSink(sink); err != nil {
			log.Fatal().Err(err).Str("sink", sink.Name).Msg("Failed to add egress sink")
			return
		}
	}

	eng.Start()
	defer eng.Stop()

	// Queue depth and state gauges
	collector := telemetry.NewMetricsCollector(eng, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	// Streaming endpoint
	server.RegisterZstdCompressor()
	busServer := server.NewBusServer(server.Config{
		BindAddress: cfg.Config.Server.BindAddress,
		Port:        cfg.Config.Server.Port,
	}, eng)

	if cfg.Config.Prometheus.Enabled {
		busServer.SetMetricsHandler(telemetry.GetMetricsHandler())
	}
	if cfg.Config.Admin.Enabled {
		busServer.SetAdminHandler(admin.Router(admin.NewHandlers(tableRegistry, deltaBuilder, eng)))
	}

	if err := busServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bus server")
		return
	}
	defer busServer.Stop()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("port", cfg.Config.Server.Port).
		Msg("Deltabus is operational")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info().Str("signal", received.String()).Msg("Shutting down")
}
