package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/fleetrpc/config"
	"github.com/BaSui01/fleetrpc/data"
	"github.com/BaSui01/fleetrpc/internal/metrics"
	"github.com/BaSui01/fleetrpc/internal/pool"
	httpserver "github.com/BaSui01/fleetrpc/internal/server"
	"github.com/BaSui01/fleetrpc/internal/telemetry"
	"github.com/BaSui01/fleetrpc/server"
	"github.com/BaSui01/fleetrpc/transport/memory"
)

// =============================================================================
// 🖥️ serve
// =============================================================================

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, telemetry.Process{
		Identity:   cfg.Identity,
		Collective: cfg.MainCollectiveOrDefault(),
		Version:    Version,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("fleetrpc", logger)
	rt := newRuntime(cfg, collector, logger)
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("release resources", zap.Error(err))
		}
	}()
	// 单进程模式：节点自带内存总线
	if cfg.Connector.Type == "memory" {
		rt.broker = memory.NewBroker(logger)
	}

	fn, err := buildNode(ctx, rt)
	if err != nil {
		return err
	}

	logger.Info("starting node",
		zap.String("identity", cfg.Identity),
		zap.Strings("collectives", cfg.Collectives),
		zap.String("connector", cfg.Connector.Type),
		zap.String("version", Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fn.srv.Run(gctx) })
	if fn.pool != nil {
		g.Go(func() error { return fn.pool.Run(gctx) })
	}
	if cfg.Server.WatchInterval > 0 {
		g.Go(func() error { return watchInventory(gctx, cfg, fn.inv, logger) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("node stopped")
	return err
}

// fleetNode is what serve runs: the request server, its inventory and the
// database pool when the SQL inventory is enabled.
type fleetNode struct {
	srv  *server.Server
	inv  *server.Inventory
	pool interface{ Run(context.Context) error }
}

func buildNode(ctx context.Context, rt *runtime) (*fleetNode, error) {
	cfg := rt.cfg
	inv, err := server.NewInventory(server.InventoryConfig{
		Identity:       cfg.Identity,
		Collectives:    cfg.Collectives,
		MainCollective: cfg.MainCollective,
		FactsFile:      cfg.Server.FactsFile,
		ClassesFile:    cfg.Server.ClassesFile,
	}, rt.logger)
	if err != nil {
		return nil, err
	}
	plugins := data.NewManager(rt.plugins, rt.store, rt.logger)
	if err := plugins.RegisterBuiltins(inv); err != nil {
		return nil, err
	}
	inv.SetDataFunc(plugins.Func())

	env, err := rt.env(inv)
	if err != nil {
		return nil, err
	}
	conn, err := rt.connector()
	if err != nil {
		return nil, err
	}

	sc := server.DefaultConfig()
	sc.Pool = pool.GoroutinePoolConfig{
		MaxWorkers:  cfg.Server.MaxWorkers,
		QueueSize:   cfg.Server.QueueSize,
		IdleTimeout: sc.Pool.IdleTimeout,
	}
	sc.RateLimit = cfg.Server.RateLimitRPS
	if cfg.Server.RateLimitBurst > 0 {
		sc.RateBurst = cfg.Server.RateLimitBurst
	}
	sc.RetryDelay = cfg.RPC.RetryDelay
	sc.HTTP = httpserver.DefaultConfig()
	sc.HTTP.Addr = cfg.Server.HTTPAddr
	if cfg.Server.ShutdownTimeout > 0 {
		sc.HTTP.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	// /health 自己记录指标
	sc.Middleware = httpMiddleware(nil, rt.logger)
	sc.Version = Version

	srv, err := server.New(env, conn, inv, sc, rt.metrics, rt.logger)
	if err != nil {
		return nil, err
	}

	disc, err := server.NewDiscoveryAgent(rt.store, rt.logger)
	if err != nil {
		return nil, err
	}
	if err := srv.Register(disc); err != nil {
		return nil, err
	}
	util, err := server.NewRPCUtilAgent(rt.store, inv, plugins, Version, rt.logger)
	if err != nil {
		return nil, err
	}
	if err := srv.Register(util); err != nil {
		return nil, err
	}

	n := &fleetNode{srv: srv, inv: inv}
	if cfg.Discovery.Registry.Enabled {
		reg, err := rt.registry(ctx)
		if err != nil {
			return nil, err
		}
		srv.AddRegistrar(reg)
	}
	if cfg.Discovery.Inventory.Enabled {
		store, err := rt.inventory(ctx)
		if err != nil {
			return nil, err
		}
		srv.AddRegistrar(store)
		db, err := rt.database()
		if err != nil {
			return nil, err
		}
		n.pool = db
	}
	return n, nil
}

// watchInventory reloads facts and classes when their files change.
func watchInventory(ctx context.Context, cfg *config.Config, inv *server.Inventory, logger *zap.Logger) error {
	var paths []string
	for _, p := range []string{cfg.Server.FactsFile, cfg.Server.ClassesFile} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}
	w, err := config.NewFileWatcher(paths,
		config.WithPollInterval(cfg.Server.WatchInterval),
		config.WithWatcherLogger(logger),
	)
	if err != nil {
		return err
	}
	err = w.Watch(ctx, func(events []config.FileEvent) {
		if err := inv.Reload(); err != nil {
			logger.Warn("inventory reload failed", zap.Error(err))
			return
		}
		logger.Info("inventory reloaded", zap.Int("changes", len(events)))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
