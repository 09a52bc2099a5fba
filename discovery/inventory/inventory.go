// Package inventory keeps node inventories in a SQL database through gorm
// and discovers nodes from them. The table is created by the fleet_nodes
// migration in internal/migration; AutoMigrate exists for tests and
// throwaway sqlite files.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/internal/metrics"
	"github.com/BaSui01/fleetrpc/types"
)

// Name is the discovery method name.
const Name = "inventory"

// Record is one row of fleet_nodes. List columns hold JSON.
type Record struct {
	Identity    string    `gorm:"primaryKey;size:255"`
	Collectives string    `gorm:"type:text;not null"`
	Agents      string    `gorm:"type:text;not null"`
	Classes     string    `gorm:"type:text;not null"`
	Facts       string    `gorm:"type:text;not null"`
	LastSeen    time.Time `gorm:"index:idx_fleet_nodes_last_seen;not null"`
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "fleet_nodes" }

// NewRecord converts an inventory into a row.
func NewRecord(node filter.Node, seen time.Time) (Record, error) {
	rec := Record{Identity: node.Identity, LastSeen: seen}
	fields := []struct {
		dst *string
		v   any
	}{
		{&rec.Collectives, nonNil(node.Collectives)},
		{&rec.Agents, nonNil(node.Agents)},
		{&rec.Classes, nonNil(node.Classes)},
		{&rec.Facts, node.Facts},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.v)
		if err != nil {
			return Record{}, fmt.Errorf("failed to encode inventory of %s: %w", node.Identity, err)
		}
		*f.dst = string(data)
	}
	if node.Facts == nil {
		rec.Facts = "{}"
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Node converts a row back into an inventory.
func (r Record) Node() (filter.Node, error) {
	node := filter.Node{Identity: r.Identity}
	fields := []struct {
		src string
		dst any
	}{
		{r.Collectives, &node.Collectives},
		{r.Agents, &node.Agents},
		{r.Classes, &node.Classes},
		{r.Facts, &node.Facts},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return filter.Node{}, fmt.Errorf("corrupt inventory of %s: %w", r.Identity, err)
		}
	}
	return node, nil
}

// Config configures the store.
type Config struct {
	// MaxAge hides nodes that have not reported for longer. Zero keeps
	// every node.
	MaxAge time.Duration `yaml:"max_age" json:"max_age" env:"MAX_AGE"`
	// Interval is how often a node refreshes its row.
	Interval time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:   10 * time.Minute,
		Interval: time.Minute,
	}
}

// Store reads and writes fleet_nodes.
type Store struct {
	db      *gorm.DB
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a store over db. collector may be nil.
func NewStore(db *gorm.DB, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Store{
		db:      db,
		config:  cfg,
		metrics: collector,
		logger:  logger.With(zap.String("component", "inventory")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AutoMigrate creates fleet_nodes from the Record model.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Record{})
}

func (s *Store) observe(op string, start time.Time) {
	s.metrics.RecordDBQuery(Name, op, time.Since(start))
}

// Upsert writes node's inventory and marks it seen now.
func (s *Store) Upsert(ctx context.Context, node filter.Node) error {
	if node.Identity == "" {
		return types.NewError(types.ErrInvalidArgument, "node has no identity")
	}
	rec, err := NewRecord(node, s.now())
	if err != nil {
		return err
	}
	defer s.observe("upsert", time.Now())

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", node.Identity, err)
	}
	return nil
}

// Delete removes identity.
func (s *Store) Delete(ctx context.Context, identity string) error {
	defer s.observe("delete", time.Now())
	if err := s.db.WithContext(ctx).Delete(&Record{}, "identity = ?", identity).Error; err != nil {
		return fmt.Errorf("failed to delete %s: %w", identity, err)
	}
	return nil
}

// Get returns one inventory.
func (s *Store) Get(ctx context.Context, identity string) (filter.Node, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("identity = ?", identity).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return filter.Node{}, types.Errorf(types.ErrInvalidArgument, "unknown node %s", identity)
	}
	if err != nil {
		return filter.Node{}, fmt.Errorf("failed to read %s: %w", identity, err)
	}
	return rec.Node()
}

// List returns live inventories sorted by identity. Exact identities,
// when given, are pushed down into the query.
func (s *Store) List(ctx context.Context, identities ...string) ([]filter.Node, error) {
	defer s.observe("list", time.Now())

	q := s.db.WithContext(ctx).Model(&Record{}).Order("identity")
	if s.config.MaxAge > 0 {
		q = q.Where("last_seen >= ?", s.now().Add(-s.config.MaxAge))
	}
	if len(identities) > 0 {
		q = q.Where("identity IN ?", identities)
	}

	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}

	nodes := make([]filter.Node, 0, len(recs))
	for _, rec := range recs {
		node, err := rec.Node()
		if err != nil {
			s.logger.Warn("skipping corrupt inventory", zap.String("identity", rec.Identity), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Prune deletes nodes older than MaxAge and returns how many went.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.config.MaxAge <= 0 {
		return 0, nil
	}
	defer s.observe("prune", time.Now())
	res := s.db.WithContext(ctx).Where("last_seen < ?", s.now().Add(-s.config.MaxAge)).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune inventory: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Run refreshes the node's row every Interval until ctx ends.
func (s *Store) Run(ctx context.Context, inventory func() filter.Node) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		node := inventory()
		if err := s.Upsert(ctx, node); err != nil && ctx.Err() == nil {
			s.logger.Warn("inventory update failed", zap.String("identity", node.Identity), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Strategy discovers nodes from the store.
type Strategy struct {
	store *Store
}

var _ discovery.Strategy = (*Strategy)(nil)

// NewStrategy wraps s as a discovery strategy.
func NewStrategy(s *Store) *Strategy {
	return &Strategy{store: s}
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

	var exact []string
	if req.Filter.IdentityOnly() {
		exact = req.Filter.Identities
	}
	nodes, err := s.store.List(ctx, exact...)
	if err != nil {
		return nil, err
	}

	if req.Collective != "" {
		members := nodes[:0]
		for _, n := range nodes {
			for _, c := range n.Collectives {
				if c == req.Collective {
					members = append(members, n)
					break
				}
			}
		}
		nodes = members
	}
	return discovery.MatchNodes(ctx, nodes, req.Filter, req.Limit), nil
}
