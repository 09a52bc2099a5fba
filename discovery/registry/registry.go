// Package registry keeps node inventories in Redis and discovers nodes
// from them without a broadcast round.
//
// Every node writes its inventory as JSON under <prefix>node:<identity>
// with a TTL and adds its identity to <prefix>members:<collective>.
// Identities whose inventory key expired are pruned from the member sets
// on the next read.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/types"
)

// Name is the discovery method name.
const Name = "registry"

// Config configures the registry.
type Config struct {
	Prefix string `yaml:"prefix" json:"prefix" env:"PREFIX"`
	// TTL bounds how long an inventory survives without a refresh.
	TTL time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
	// Interval is how often a node refreshes its inventory.
	Interval time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:   "fleetrpc.registry.",
		TTL:      5 * time.Minute,
		Interval: time.Minute,
	}
}

// Registry reads and writes node inventories.
type Registry struct {
	client redis.UniversalClient
	config Config
	logger *zap.Logger
}

// New creates a registry over client.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Registry{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("component", "registry")),
	}
}

func (r *Registry) nodeKey(identity string) string {
	return r.config.Prefix + "node:" + identity
}

func (r *Registry) membersKey(collective string) string {
	return r.config.Prefix + "members:" + collective
}

// Register writes node's inventory and joins its collectives.
func (r *Registry) Register(ctx context.Context, node filter.Node) error {
	if node.Identity == "" {
		return types.NewError(types.ErrInvalidArgument, "node has no identity")
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal inventory: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.nodeKey(node.Identity), data, r.config.TTL)
	for _, c := range node.Collectives {
		pipe.SAdd(ctx, r.membersKey(c), node.Identity)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register %s: %w", node.Identity, err)
	}
	return nil
}

// Deregister removes node's inventory and memberships.
func (r *Registry) Deregister(ctx context.Context, node filter.Node) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.nodeKey(node.Identity))
	for _, c := range node.Collectives {
		pipe.SRem(ctx, r.membersKey(c), node.Identity)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", node.Identity, err)
	}
	return nil
}

// Nodes returns the live inventories of collective, sorted by identity.
func (r *Registry) Nodes(ctx context.Context, collective string) ([]filter.Node, error) {
	members, err := r.client.SMembers(ctx, r.membersKey(collective)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s members: %w", collective, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.nodeKey(m)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inventories: %w", err)
	}

	var (
		nodes []filter.Node
		stale []any
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var node filter.Node
		if err := json.Unmarshal([]byte(s), &node); err != nil {
			r.logger.Warn("skipping corrupt inventory", zap.String("identity", members[i]), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.membersKey(collective), stale...).Err(); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Debug("failed to prune stale members", zap.Error(err))
		}
	}
	return nodes, nil
}

// Run refreshes the node's inventory every Interval until ctx ends, then
// deregisters it. inventory is called before every refresh so fact
// changes are picked up.
func (r *Registry) Run(ctx context.Context, inventory func() filter.Node) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		node := inventory()
		if err := r.Register(ctx, node); err != nil && ctx.Err() == nil {
			r.logger.Warn("registration failed", zap.String("identity", node.Identity), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.Deregister(cleanup, node)
			cancel()
			return err
		case <-ticker.C:
		}
	}
}

// Strategy discovers nodes from the registry.
type Strategy struct {
	registry *Registry
}

var _ discovery.Strategy = (*Strategy)(nil)

// NewStrategy wraps r as a discovery strategy.
func NewStrategy(r *Registry) *Strategy {
	return &Strategy{registry: r}
}

func (s *Strategy) Name() string { return Name }

func (s *Strategy) Capabilities() filter.Features {
	return filter.Features{Classes: true, Facts: true, Identity: true}
}

func (s *Strategy) DefaultTimeout() time.Duration { return 2 * time.Second }

func (s *Strategy) Discover(ctx context.Context, req discovery.Request) ([]string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if req.Collective == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "registry discovery needs a collective").WithPlugin(Name)
	}

	nodes, err := s.registry.Nodes(ctx, req.Collective)
	if err != nil {
		return nil, err
	}
	return discovery.MatchNodes(ctx, nodes, req.Filter, req.Limit), nil
}
