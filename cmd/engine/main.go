package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/acth/cross-asset-engine/internal/backoff"
	"github.com/acth/cross-asset-engine/internal/chaos"
	"github.com/acth/cross-asset-engine/internal/config"
	"github.com/acth/cross-asset-engine/internal/corr"
	"github.com/acth/cross-asset-engine/internal/exec"
	"github.com/acth/cross-asset-engine/internal/health"
	"github.com/acth/cross-asset-engine/internal/ingest"
	"github.com/acth/cross-asset-engine/internal/journal"
	"github.com/acth/cross-asset-engine/internal/logging"
	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/pipeline"
	"github.com/acth/cross-asset-engine/internal/risk"
	"github.com/acth/cross-asset-engine/internal/store"
	"github.com/acth/cross-asset-engine/internal/store/postgres"
	"github.com/acth/cross-asset-engine/internal/strategy"
	"github.com/acth/cross-asset-engine/internal/venue"
	"github.com/acth/cross-asset-engine/internal/venue/binance"
	"github.com/acth/cross-asset-engine/internal/venue/fake"
	"github.com/acth/cross-asset-engine/internal/venue/kraken"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Cross-asset correlation and adaptive strategy engine",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Service, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting engine",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("data_dir", cfg.DataDir),
		zap.Strings("symbols", cfg.Symbols),
		zap.Int("venues", len(cfg.Venues)),
	)

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	limits := cfg.RiskLimits()
	retryPolicy := backoff.Policy{
		MaxAttempts: cfg.Backoff.MaxAttempts,
		BaseDelay:   cfg.Backoff.BaseDelay.Std(),
		MaxDelay:    cfg.Backoff.MaxDelay.Std(),
		Jitter:      cfg.Backoff.Jitter,
	}

	// Open the durable state store. Without a Postgres DSN the engine runs
	// on the offline queue alone.
	var remote store.DocumentStore = store.NullStore{}
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pg, err := postgres.Open(dsn)
		if err != nil {
			logger.Fatal("failed to open postgres store", zap.Error(err))
		}
		remote = pg
	} else {
		logger.Warn("no postgres DSN configured, state store runs offline-only")
	}

	offlinePath := cfg.Store.OfflinePath
	if offlinePath == "" {
		offlinePath = filepath.Join(cfg.DataDir, "offline.db")
	}
	queue, err := store.OpenOfflineQueue(offlinePath)
	if err != nil {
		logger.Fatal("failed to open offline queue", zap.Error(err))
	}
	defer queue.Close()

	initPolicy := retryPolicy
	if cfg.Store.MaxAttempts > 0 {
		initPolicy.MaxAttempts = cfg.Store.MaxAttempts
	}
	persist, err := store.NewAdapter(remote, queue, store.AdapterConfig{
		InitBackoff:    initPolicy,
		WriteBackoff:   retryPolicy,
		OfflineAllowed: cfg.Store.OfflineAllowed,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create store adapter", zap.Error(err))
	}
	defer persist.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := persist.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize state store", zap.Error(err))
	}
	logger.Info("state store initialized", zap.String("mode", persist.ConnState().String()))

	// Build venue clients
	chaosCfg := chaos.LoadConfig()
	clients := make([]venue.Client, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		client, err := buildVenue(vc, chaosCfg, logger)
		if err != nil {
			logger.Fatal("failed to build venue client",
				zap.String("venue", vc.Name),
				zap.Error(err),
			)
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		// Paper venue keeps the engine runnable with no credentials.
		logger.Warn("no venues configured, starting paper venue")
		clients = append(clients, fake.New("paper", chaos.New(chaosCfg, logger)))
	}

	// One ingestor per venue feed
	ingestCfg := ingest.Config{
		UpdateInterval: cfg.UpdateInterval.Std(),
		Freshness:      cfg.Freshness.Std(),
		Backoff:        retryPolicy,
	}
	ingestors := make([]*ingest.Ingestor, 0, len(clients))
	for _, client := range clients {
		in, err := ingest.New(client, cfg.Symbols, ingestCfg, logger)
		if err != nil {
			logger.Fatal("failed to create ingestor",
				zap.String("venue", client.Name()),
				zap.Error(err),
			)
		}
		ingestors = append(ingestors, in)
	}

	// Engine core: correlation -> strategy -> risk -> execution
	corrEng, err := corr.New(corr.Config{
		Window:     cfg.Correlation.Window,
		MinSamples: cfg.Correlation.MinSamples,
		Cadence:    cfg.Correlation.Cadence.Std(),
	}, logger)
	if err != nil {
		logger.Fatal("failed to create correlation engine", zap.Error(err))
	}

	strat, err := strategy.New(strategy.Config{
		LearningRate:        cfg.Strategy.LearningRate,
		ActivationThreshold: cfg.Strategy.ActivationThreshold,
		RewardDecay:         cfg.Strategy.RewardDecay,
		WeightClamp:         cfg.Strategy.WeightClamp,
	}, limits, logger)
	if err != nil {
		logger.Fatal("failed to create strategy adapter", zap.Error(err))
	}

	book := risk.NewBook()
	riskMgr, err := risk.NewManager(limits, corrEng, book, logger)
	if err != nil {
		logger.Fatal("failed to create risk manager", zap.Error(err))
	}

	// Execution ledger and trade journal
	ledger, err := exec.OpenLedger(filepath.Join(cfg.DataDir, "orders.db"))
	if err != nil {
		logger.Fatal("failed to open execution ledger", zap.Error(err))
	}
	defer ledger.Close()

	var sink exec.EventSink = journal.Nop{}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err := journal.NewProducer(brokers, logger)
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		defer producer.Close()

		// Events are staged in the outbox so a broker outage never blocks
		// the trading path; the drain loop publishes in insertion order.
		outbox, err := journal.OpenOutbox(filepath.Join(cfg.DataDir, "journal.db"), logger)
		if err != nil {
			logger.Fatal("failed to open journal outbox", zap.Error(err))
		}
		defer outbox.Close()
		go outbox.Run(ctx, producer.Publish)
		sink = outbox
	} else {
		logger.Warn("no kafka brokers configured, trade journal disabled")
	}

	router, err := exec.NewRouter(clients, ledger, riskMgr, strat, persist, sink, retryPolicy, logger)
	if err != nil {
		logger.Fatal("failed to create execution router", zap.Error(err))
	}

	// Event queue and pipeline
	eventQueue := pipeline.NewQueue(cfg.QueueCapacity)
	pipe := pipeline.New(pipeline.Config{
		QueueCapacity:   cfg.QueueCapacity,
		Equity:          cfg.Equity,
		PersistInterval: cfg.HeartbeatInterval.Std(),
	}, eventQueue, corrEng, strat, riskMgr, router, ingestors, persist, logger)

	if err := pipe.LoadState(ctx); err != nil {
		logger.Warn("failed to restore persisted state, starting clean", zap.Error(err))
	}

	// Health servers
	healthServer := health.NewServer(logger)
	grpcServer := grpc.NewServer()
	healthServer.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthServer.StartHTTP(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Health monitor: the store probe flushes the offline queue on
	// recovery, venue probes gate their ingestors.
	monitor, err := health.NewMonitor(cfg.HeartbeatInterval.Std(), cfg.ProbeTimeout.Std(), persist, healthServer, logger)
	if err != nil {
		logger.Fatal("failed to create health monitor", zap.Error(err))
	}
	monitor.Register("store", persist.ConnState(), persist.Ping, persist.SetConnState, persist.Flush)
	probeSymbol := cfg.Symbols[0]
	for i, client := range clients {
		client := client
		in := ingestors[i]
		monitor.Register(client.Name(), in.ConnState(), func(ctx context.Context) error {
			_, err := client.FetchTicker(ctx, probeSymbol)
			return err
		}, in.SetConnState, nil)
	}
	go monitor.Run(ctx)

	// Market data feeds
	for _, in := range ingestors {
		in := in
		go in.Run(ctx, func(snap market.Snapshot) {
			if err := eventQueue.TryPublish(pipeline.Event{Snapshot: &snap}); err != nil {
				logger.Warn("dropping snapshot, queue full",
					zap.String("symbol", snap.Symbol),
					zap.String("venue", snap.Venue),
				)
			}
		})
	}

	// Fill streams. Fills block rather than drop.
	for _, client := range clients {
		client := client
		go func() {
			fills, err := client.StreamFills(ctx)
			if err != nil {
				logger.Error("failed to open fill stream",
					zap.String("venue", client.Name()),
					zap.Error(err),
				)
				return
			}
			for fill := range fills {
				f := fill
				if err := eventQueue.Publish(ctx, pipeline.Event{Fill: &f}); err != nil {
					return
				}
			}
		}()
	}

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		pipe.Run(ctx)
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	cancel()

	// Let in-flight submissions settle before closing the ledger, then wait
	// for the pipeline to write its final state snapshot.
	if !router.Drain(10 * time.Second) {
		logger.Warn("execution router drain timed out")
	}
	select {
	case <-pipeDone:
	case <-time.After(10 * time.Second):
		logger.Warn("pipeline stop timed out")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health server", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("engine stopped")
	return nil
}

func buildVenue(vc config.VenueConfig, chaosCfg *chaos.Config, logger *zap.Logger) (venue.Client, error) {
	switch vc.Name {
	case "binance":
		return binance.New(binance.Config{
			APIKey:    vc.APIKey,
			APISecret: vc.APISecret,
			SymbolMap: vc.SymbolMap,
		}, logger)
	case "kraken":
		return kraken.New(kraken.Config{
			APIKey:    vc.APIKey,
			APISecret: vc.APISecret,
			SymbolMap: vc.SymbolMap,
		}, logger)
	case "paper", "fake":
		return fake.New(vc.Name, chaos.New(chaosCfg, logger)), nil
	default:
		return nil, fmt.Errorf("unknown venue %q", vc.Name)
	}
}
