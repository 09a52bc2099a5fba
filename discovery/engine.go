package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/internal/metrics"
	"github.com/BaSui01/fleetrpc/plugin"
	"github.com/BaSui01/fleetrpc/types"
)

// MethodMC is the native broadcast discovery method. It is the only
// method that understands compound filters.
const MethodMC = "mc"

// Limit selection methods.
const (
	LimitFirst  = "first"
	LimitRandom = "random"
)

const pluginKind = "discovery"

// Pinger runs a broadcast ping round. The RPC client implements it.
type Pinger interface {
	DiscoverViaPing(ctx context.Context, f filter.Filter, timeout time.Duration, limit int) ([]string, error)
}

// Request is one discovery round as seen by a strategy.
type Request struct {
	Filter     filter.Filter
	Collective string
	// Timeout is already composed by the engine. Zero means the strategy
	// does not wait on the network.
	Timeout time.Duration
	// Limit lets a strategy stop early. Zero means unlimited.
	Limit int
	// Options carries strategy specific settings such as "file" for
	// flatfile or "hosts" for static.
	Options map[string]any
	Pinger  Pinger
}

// Option returns a string option.
func (r Request) Option(key string) string {
	if v, ok := r.Options[key].(string); ok {
		return v
	}
	return ""
}

// Strategy turns a filter into node identities.
type Strategy interface {
	Name() string
	// Capabilities is used when no discovery descriptor is installed.
	Capabilities() filter.Features
	DefaultTimeout() time.Duration
	Discover(ctx context.Context, req Request) ([]string, error)
}

// Config configures the engine.
type Config struct {
	DefaultMethod    string `yaml:"default_method" json:"default_method" env:"DEFAULT_METHOD"`
	DirectAddressing bool   `yaml:"direct_addressing" json:"direct_addressing" env:"DIRECT_ADDRESSING"`
	LimitMethod      string `yaml:"limit_method" json:"limit_method" env:"LIMIT_METHOD"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMethod:    MethodMC,
		DirectAddressing: true,
		LimitMethod:      LimitFirst,
	}
}

// Engine selects a strategy, checks the filter against its capabilities
// and composes the timeout.
type Engine struct {
	registry *plugin.Registry
	store    *ddl.Store
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu     sync.RWMutex
	method string
}

// NewEngine creates an engine. store and collector may be nil.
func NewEngine(reg *plugin.Registry, store *ddl.Store, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = plugin.NewRegistry(logger)
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = MethodMC
	}
	if cfg.LimitMethod == "" {
		cfg.LimitMethod = LimitFirst
	}
	return &Engine{
		registry: reg,
		store:    store,
		config:   cfg,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "discovery")),
		method:   cfg.DefaultMethod,
	}
}

// Register installs a strategy under discovery/<name>.
func (e *Engine) Register(s Strategy) error {
	return e.registry.RegisterInstance(plugin.Key(pluginKind, s.Name()), s)
}

// Methods lists the registered strategy names.
func (e *Engine) Methods() []string {
	keys := e.registry.Names(pluginKind + "/")
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, pluginKind+"/"))
	}
	return out
}

// Method returns the active method.
func (e *Engine) Method() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.method
}

// SetMethod selects a method. Anything but the default needs direct
// addressing because every other strategy returns a host list that must
// be addressed directly.
func (e *Engine) SetMethod(name string) error {
	if name == "" {
		name = e.config.DefaultMethod
	}
	if name != e.config.DefaultMethod && !e.config.DirectAddressing {
		return types.Errorf(types.ErrConfiguration, "custom discovery method %s requires direct addressing", name)
	}
	if _, err := e.Strategy(name); err != nil {
		return err
	}

	e.mu.Lock()
	e.method = name
	e.mu.Unlock()
	return nil
}

// Strategy resolves a registered strategy.
func (e *Engine) Strategy(name string) (Strategy, error) {
	s, err := plugin.Lookup[Strategy](e.registry, plugin.Key(pluginKind, name))
	if err != nil {
		if types.IsCode(err, types.ErrUnknownPlugin) {
			return nil, types.Errorf(types.ErrUnknownDiscoveryMethod, "unknown discovery method %s", name).WithPlugin(name).WithCause(err)
		}
		return nil, err
	}
	return s, nil
}

func (e *Engine) descriptor(name string) *ddl.DDL {
	if e.store == nil {
		return nil
	}
	d, err := e.store.Load(ddl.KindDiscovery, name)
	if err != nil {
		return nil
	}
	return d
}

// Capabilities returns what method supports. A discovery descriptor
// wins over the strategy's own declaration.
func (e *Engine) Capabilities(name string) (filter.Features, error) {
	s, err := e.Strategy(name)
	if err != nil {
		return filter.Features{}, err
	}
	return e.capabilities(s), nil
}

func (e *Engine) capabilities(s Strategy) filter.Features {
	if d := e.descriptor(s.Name()); d != nil {
		return d.Capabilities()
	}
	return s.Capabilities()
}

func (e *Engine) defaultTimeout(s Strategy) time.Duration {
	if d := e.descriptor(s.Name()); d != nil && d.Timeout() > 0 {
		return d.Timeout()
	}
	return s.DefaultTimeout()
}

// Timeout composes the discovery timeout for f: the requested timeout,
// or the method default, plus the declared timeout of every data plugin
// a compound function calls.
func (e *Engine) Timeout(method string, f filter.Filter, requested time.Duration) (time.Duration, error) {
	s, err := e.Strategy(method)
	if err != nil {
		return 0, err
	}
	return e.timeout(s, f, requested), nil
}

func (e *Engine) timeout(s Strategy, f filter.Filter, requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = e.defaultTimeout(s)
	}
	if e.store == nil {
		return timeout
	}
	for _, fn := range f.Functions() {
		d, err := e.store.Load(ddl.KindData, fn.Name)
		if err != nil {
			e.logger.Debug("no data descriptor for compound function", zap.String("function", fn.Name), zap.Error(err))
			continue
		}
		timeout += d.Timeout()
	}
	return timeout
}

// Discover runs one discovery round. A compound filter switches the
// engine to mc for this and every following call.
func (e *Engine) Discover(ctx context.Context, req Request) ([]string, error) {
	if req.Limit < 0 {
		return nil, types.Errorf(types.ErrInvalidArgument, "discovery limit must be a non-negative integer, got %d", req.Limit)
	}

	method := e.Method()
	if req.Filter.HasCompound() && method != MethodMC {
		e.logger.Info("compound filters need mc discovery, switching",
			zap.String("from", method))
		e.mu.Lock()
		e.method = MethodMC
		e.mu.Unlock()
		method = MethodMC
	}

	s, err := e.Strategy(method)
	if err != nil {
		return nil, err
	}
	if missing := req.Filter.Unsupported(e.capabilities(s)); len(missing) > 0 {
		return nil, types.Errorf(types.ErrUnsupportedFilterFeature,
			"discovery method %s does not support %s filters", method, strings.Join(missing, ", ")).WithPlugin(method)
	}

	limit := req.Limit
	req.Timeout = e.timeout(s, req.Filter, req.Timeout)
	if e.config.LimitMethod != LimitFirst {
		req.Limit = 0
	}

	e.logger.Debug("discovering",
		zap.String("method", method),
		zap.String("filter", req.Filter.String()),
		zap.Duration("timeout", req.Timeout),
		zap.Int("limit", limit))

	start := time.Now()
	hosts, err := s.Discover(ctx, req)
	e.metrics.RecordDiscovery(method, len(hosts), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(hosts) > limit {
		hosts = hosts[:limit]
	}
	return hosts, nil
}
