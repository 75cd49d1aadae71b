package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"regionmaster/internal/assignment"
	"regionmaster/internal/catalog"
	"regionmaster/internal/config"
	"regionmaster/internal/coord"
	"regionmaster/internal/observability/logging"
	"regionmaster/internal/observability/metrics"
	"regionmaster/internal/observability/tracing"
	"regionmaster/internal/retry"
	"regionmaster/internal/rpc"
	"regionmaster/internal/servers"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	addr := flag.String("addr", "", "gRPC listen address (overrides the configuration)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.GRPC.Address = *addr
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("master stopped", zap.Error(err))
	}
}

func openCoordination(cfg *config.Config, logger *zap.Logger) (coord.Client, error) {
	switch cfg.Coordination.Backend {
	case config.BackendBolt:
		return coord.OpenBoltStore(cfg.Coordination.Dir)
	case config.BackendEtcd:
		etcdCfg := cfg.EtcdConfig()
		etcdCfg.Logger = logger
		etcdCfg.OnWatchLost = func(path string, err error) {
			logger.Fatal("coordination watch lost", zap.String("path", path), zap.Error(err))
		}
		return coord.NewEtcdClient(etcdCfg)
	default:
		return coord.NewMemStore(), nil
	}
}

func openCatalog(cfg *config.Config) (catalog.Store, error) {
	if cfg.Catalog.Backend == config.BackendPebble {
		return catalog.OpenPebbleCatalog(cfg.Catalog.Dir)
	}
	return catalog.NewMemCatalog(), nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	master, err := cfg.Master()
	if err != nil {
		return err
	}
	if master.StartCode == 0 {
		master.StartCode = time.Now().UnixMilli()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, master.String())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	coordClient, err := openCoordination(cfg, logger)
	if err != nil {
		return fmt.Errorf("open coordination store: %w", err)
	}
	defer coordClient.Close()

	store, err := openCatalog(cfg)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close()
	cat := catalog.NewRetrying(store, retry.DefaultPolicy)

	invoker := rpc.NewRegionServerClient(rpc.RegionServerClientOptions{Timeout: cfg.Servers.RPCTimeout, Logger: logger})
	defer invoker.Close()
	serverOpts := cfg.ServersOptions()
	serverOpts.Invoker = invoker
	serverOpts.Logger = logger
	serverManager := servers.NewManager(serverOpts)
	serverManager.AddListener(invoker)

	opts := cfg.AssignmentOptions()
	opts.ServerName = master
	opts.Coord = coordClient
	opts.Catalog = cat
	opts.Servers = serverManager
	opts.Metrics = metrics.NewAssignmentCollector(prometheus.DefaultRegisterer, "regionmaster")
	opts.Logger = logger
	manager, err := assignment.NewManager(opts)
	if err != nil {
		return err
	}
	defer manager.Stop()

	if cfg.Metrics.Address != "" {
		if err := metrics.StartServer(ctx, cfg.Metrics.Address, prometheus.DefaultGatherer, logger); err != nil {
			return err
		}
	}

	grpcServer := rpc.NewServer(cfg.GRPCConfig(), rpc.NewAdminServer(manager, cat, serverManager, logger), logger)
	if err := grpcServer.Start(ctx); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}
	defer grpcServer.Stop()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	go serverManager.Run(ctx)
	if err := serverManager.WaitForCheckIn(ctx); err != nil {
		return fmt.Errorf("wait for region servers: %w", err)
	}
	if err := manager.JoinCluster(ctx); err != nil {
		return err
	}
	logger.Info("master serving", zap.Stringer("server", master), zap.String("grpc", cfg.GRPC.Address))

	<-ctx.Done()
	logger.Info("master shutting down")
	return nil
}
