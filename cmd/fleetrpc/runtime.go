package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/client"
	"github.com/BaSui01/fleetrpc/config"
	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/discovery/inventory"
	"github.com/BaSui01/fleetrpc/discovery/registry"
	"github.com/BaSui01/fleetrpc/internal/cache"
	"github.com/BaSui01/fleetrpc/internal/database"
	"github.com/BaSui01/fleetrpc/internal/metrics"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/plugin"
	"github.com/BaSui01/fleetrpc/rpc"
	"github.com/BaSui01/fleetrpc/security"
	"github.com/BaSui01/fleetrpc/transport"
	"github.com/BaSui01/fleetrpc/transport/memory"
	"github.com/BaSui01/fleetrpc/transport/redisbus"
	"github.com/BaSui01/fleetrpc/transport/wsbus"
)

// runtime holds what the subcommands build from one configuration: the
// plugin registry, the descriptor store, and lazily opened Redis and
// database handles shared between the connector and discovery.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	plugins *plugin.Registry
	caches  *cache.Manager
	store   *ddl.Store
	// broker backs the memory connector when a process hosts the bus.
	broker *memory.Broker

	mu      sync.Mutex
	redis   *redis.Client
	db      *database.PoolManager
	closers []func() error
}

func newRuntime(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *runtime {
	caches := cache.NewManager(logger)
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		plugins: plugin.NewRegistry(logger),
		caches:  caches,
		store:   ddl.NewStore(caches, cfg.DDLPaths, 0, logger),
	}
	rt.registerConnectors()
	return rt
}

// Close releases everything the runtime opened, newest first.
func (rt *runtime) Close() error {
	rt.mu.Lock()
	closers := rt.closers
	rt.closers = nil
	rt.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rt *runtime) onClose(fn func() error) {
	rt.mu.Lock()
	rt.closers = append(rt.closers, fn)
	rt.mu.Unlock()
}

// =============================================================================
// 🔌 连接器
// =============================================================================

// registerConnectors installs one factory per connector type under
// connector/<type>. Each lookup builds a fresh connector for the
// configured identity.
func (rt *runtime) registerConnectors() {
	identity := rt.cfg.Identity
	cc := rt.cfg.Connector

	rt.plugins.MustRegister(plugin.Key("connector", "memory"), plugin.Multi, func() (any, error) {
		if rt.broker == nil {
			return nil, errors.New("the memory connector only works inside one process")
		}
		return memory.NewConnector(rt.broker, identity, rt.logger), nil
	})
	rt.plugins.MustRegister(plugin.Key("connector", "redis"), plugin.Multi, func() (any, error) {
		rdb, err := rt.redisClient(context.Background())
		if err != nil {
			return nil, err
		}
		return redisbus.NewConnector(rdb, rt.redisBusConfig(), identity, rt.logger), nil
	})
	rt.plugins.MustRegister(plugin.Key("connector", "websocket"), plugin.Multi, func() (any, error) {
		return wsbus.NewConnector(wsbus.Config{
			URL:       cc.URL,
			InboxSize: cc.InboxSize,
			DialWait:  cc.DialTimeout,
			CAFile:    cc.CAFile,
		}, identity, rt.logger), nil
	})
}

func (rt *runtime) connector() (transport.Connector, error) {
	return plugin.Lookup[transport.Connector](rt.plugins, plugin.Key("connector", rt.cfg.Connector.Type))
}

func (rt *runtime) redisBusConfig() redisbus.Config {
	rc := rt.cfg.Redis
	return redisbus.Config{
		Addr:        rc.Addr,
		Password:    rc.Password,
		DB:          rc.DB,
		PoolSize:    rc.PoolSize,
		TLS:         rc.TLS,
		CAFile:      rc.CAFile,
		Prefix:      rt.cfg.Connector.Prefix + ".",
		ChannelSize: rt.cfg.Connector.InboxSize,
	}
}

// redisClient opens the shared Redis client on first use.
func (rt *runtime) redisClient(ctx context.Context) (*redis.Client, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.redis != nil {
		return rt.redis, nil
	}
	rdb, err := redisbus.NewClient(ctx, rt.redisBusConfig())
	if err != nil {
		return nil, transport.Unavailable(err.Error())
	}
	rt.redis = rdb
	rt.closers = append(rt.closers, rdb.Close)
	return rdb, nil
}

// database opens the inventory database on first use.
func (rt *runtime) database() (*database.PoolManager, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.db != nil {
		return rt.db, nil
	}
	pool, err := database.Open(rt.cfg.Database, rt.logger)
	if err != nil {
		return nil, err
	}
	pool.WithMetrics(rt.cfg.Database.Driver, rt.metrics)
	rt.db = pool
	rt.closers = append(rt.closers, pool.Close)
	return pool, nil
}

// =============================================================================
// 🔐 消息环境
// =============================================================================

// env builds the message environment. matcher is the node inventory on
// servers and nil on clients.
func (rt *runtime) env(matcher security.FilterMatcher) (*message.Env, error) {
	cfg := rt.cfg
	reg := plugin.NewRegistry(rt.logger)
	if err := security.Register(reg, security.Config{
		Identity: cfg.Identity,
		CallerID: cfg.Security.CallerID,
		Secret:   cfg.Security.Secret,
		Matcher:  matcher,
		Logger:   rt.logger,
	}); err != nil {
		return nil, err
	}
	sec, err := security.Lookup(reg, cfg.Security.Provider)
	if err != nil {
		return nil, err
	}

	env := &message.Env{
		Identity:                  cfg.Identity,
		Security:                  sec,
		DDL:                       rt.store,
		DirectAddressing:          cfg.RPC.DirectAddressing,
		DirectAddressingThreshold: cfg.RPC.DirectAddressingThreshold,
		DefaultTTL:                cfg.RPC.DefaultTTL,
		PublishTimeout:            cfg.RPC.PublishTimeout,
		RequestIDScheme:           cfg.RPC.RequestIDScheme,
		Logger:                    rt.logger,
	}
	if rt.metrics != nil {
		env.Observer = rt.metrics
	}
	return env, nil
}

// =============================================================================
// 🔎 发现
// =============================================================================

// engine builds the discovery engine with the built-in strategies plus
// the registry and inventory strategies when they are enabled.
func (rt *runtime) engine(ctx context.Context) (*discovery.Engine, error) {
	cfg := rt.cfg
	engine := discovery.NewEngine(rt.plugins, rt.store, discovery.Config{
		DefaultMethod:    cfg.RPC.DiscoveryMethod,
		DirectAddressing: cfg.RPC.DirectAddressing,
		LimitMethod:      cfg.RPC.LimitMethod,
	}, rt.metrics, rt.logger)
	if err := engine.RegisterBuiltins(cfg.Discovery.FlatfilePath); err != nil {
		return nil, err
	}

	if cfg.Discovery.Registry.Enabled {
		reg, err := rt.registry(ctx)
		if err != nil {
			return nil, err
		}
		if err := engine.Register(registry.NewStrategy(reg)); err != nil {
			return nil, err
		}
	}
	if cfg.Discovery.Inventory.Enabled {
		store, err := rt.inventory(ctx)
		if err != nil {
			return nil, err
		}
		if err := engine.Register(inventory.NewStrategy(store)); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func (rt *runtime) registry(ctx context.Context) (*registry.Registry, error) {
	rdb, err := rt.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	rc := rt.cfg.Discovery.Registry
	return registry.New(rdb, registry.Config{
		Prefix:   rc.Prefix,
		TTL:      rc.TTL,
		Interval: rc.Interval,
	}, rt.logger), nil
}

// inventory opens the SQL inventory and makes sure its table exists.
func (rt *runtime) inventory(ctx context.Context) (*inventory.Store, error) {
	pool, err := rt.database()
	if err != nil {
		return nil, err
	}
	ic := rt.cfg.Discovery.Inventory
	store := inventory.NewStore(pool.DB(), inventory.Config{
		MaxAge:   ic.MaxAge,
		Interval: ic.Interval,
	}, rt.metrics, rt.logger)
	if err := store.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("prepare inventory table: %w", err)
	}
	return store, nil
}

// =============================================================================
// 📡 客户端
// =============================================================================

// orchestrator connects a client and returns an orchestrator for agent.
// The client is disconnected by Close.
func (rt *runtime) orchestrator(ctx context.Context, agent string, opts rpc.Options) (*rpc.Orchestrator, error) {
	c, err := rt.client(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := rt.engine(ctx)
	if err != nil {
		return nil, err
	}

	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = rt.cfg.RPC.DiscoveryTimeout
	}
	if opts.LimitMethod == "" {
		opts.LimitMethod = rt.cfg.RPC.LimitMethod
	}
	if opts.LimitSeed == nil && rt.cfg.RPC.LimitSeed != 0 {
		seed := rt.cfg.RPC.LimitSeed
		opts.LimitSeed = &seed
	}
	return rpc.New(agent, rpc.Deps{
		Client:    c,
		Discovery: engine,
		DDL:       rt.store,
		Plugins:   rt.plugins,
		Logger:    rt.logger,
	}, opts)
}

func (rt *runtime) client(ctx context.Context) (*client.Client, error) {
	env, err := rt.env(nil)
	if err != nil {
		return nil, err
	}
	conn, err := rt.connector()
	if err != nil {
		return nil, err
	}
	c, err := client.New(env, conn, client.Config{
		Collective: rt.cfg.MainCollectiveOrDefault(),
		RetryDelay: rt.cfg.RPC.RetryDelay,
	}, rt.metrics, rt.logger)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	rt.onClose(func() error {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return c.Disconnect(dctx)
	})
	return c, nil
}
