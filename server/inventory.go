package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/types"
)

// InventoryConfig describes where a node's inventory comes from.
type InventoryConfig struct {
	Identity       string
	Collectives    []string
	MainCollective string
	// FactsFile is a YAML document; nested keys are flattened with dots.
	FactsFile string
	// ClassesFile lists one class per line.
	ClassesFile string
	// Facts are merged over the file facts.
	Facts map[string]string
	// Matcher tunes compound filter evaluation.
	Matcher filter.MatcherConfig
}

// Inventory is the live state of a node: identity, collectives, loaded
// agents, classes and facts. It is safe for concurrent use.
type Inventory struct {
	mu      sync.RWMutex
	config  InventoryConfig
	node    filter.Node
	data    filter.DataFunc
	matcher *filter.Matcher
	logger  *zap.Logger
}

// NewInventory loads facts and classes and builds the filter matcher.
func NewInventory(cfg InventoryConfig, logger *zap.Logger) (*Inventory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Identity == "" {
		return nil, types.NewError(types.ErrConfiguration, "node identity is empty")
	}
	if len(cfg.Collectives) == 0 {
		return nil, types.NewError(types.ErrConfiguration, "node belongs to no collective")
	}
	if cfg.MainCollective == "" {
		cfg.MainCollective = cfg.Collectives[0]
	}
	if cfg.Matcher.MaxConcurrentLookups <= 0 {
		cfg.Matcher = filter.DefaultMatcherConfig()
	}

	inv := &Inventory{
		config: cfg,
		logger: logger.With(zap.String("component", "inventory")),
	}
	node, err := inv.load()
	if err != nil {
		return nil, err
	}
	inv.node = node
	inv.matcher = filter.NewMatcher(node, inv.lookup, cfg.Matcher, logger)
	return inv, nil
}

func (i *Inventory) load() (filter.Node, error) {
	facts := make(map[string]string)
	if i.config.FactsFile != "" {
		loaded, err := LoadFacts(i.config.FactsFile)
		if err != nil {
			return filter.Node{}, err
		}
		facts = loaded
	}
	for k, v := range i.config.Facts {
		facts[k] = v
	}

	var classes []string
	if i.config.ClassesFile != "" {
		loaded, err := LoadClasses(i.config.ClassesFile)
		if err != nil {
			return filter.Node{}, err
		}
		classes = loaded
	}

	i.mu.RLock()
	agents := append([]string(nil), i.node.Agents...)
	i.mu.RUnlock()

	return filter.Node{
		Identity:    i.config.Identity,
		Collectives: append([]string(nil), i.config.Collectives...),
		Agents:      agents,
		Classes:     classes,
		Facts:       facts,
	}, nil
}

// Reload re-reads the facts and classes files.
func (i *Inventory) Reload() error {
	node, err := i.load()
	if err != nil {
		return err
	}
	i.mu.Lock()
	node.Agents = append([]string(nil), i.node.Agents...)
	i.node = node
	i.mu.Unlock()
	i.matcher.SetNode(node)

	i.logger.Info("inventory reloaded",
		zap.Int("facts", len(node.Facts)),
		zap.Int("classes", len(node.Classes)))
	return nil
}

// Node returns a copy of the current inventory.
func (i *Inventory) Node() filter.Node {
	i.mu.RLock()
	defer i.mu.RUnlock()

	n := i.node
	n.Collectives = append([]string(nil), n.Collectives...)
	n.Agents = append([]string(nil), n.Agents...)
	n.Classes = append([]string(nil), n.Classes...)
	n.Facts = make(map[string]string, len(i.node.Facts))
	for k, v := range i.node.Facts {
		n.Facts[k] = v
	}
	return n
}

func (i *Inventory) Identity() string { return i.config.Identity }

func (i *Inventory) MainCollective() string { return i.config.MainCollective }

func (i *Inventory) Collectives() []string {
	return append([]string(nil), i.config.Collectives...)
}

// SetAgents records the agents the node serves.
func (i *Inventory) SetAgents(names []string) {
	agents := append([]string(nil), names...)
	sort.Strings(agents)

	i.mu.Lock()
	i.node.Agents = agents
	node := i.node
	i.mu.Unlock()
	i.matcher.SetNode(node)
}

// SetDataFunc wires the data plugins used by compound filters.
func (i *Inventory) SetDataFunc(fn filter.DataFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data = fn
}

func (i *Inventory) lookup(ctx context.Context, name, query string) (map[string]any, error) {
	i.mu.RLock()
	fn := i.data
	i.mu.RUnlock()
	if fn == nil {
		return nil, types.Errorf(types.ErrUnknownPlugin, "no data plugins loaded for %s", name)
	}
	return fn(ctx, name, query)
}

// Match reports whether f selects this node.
func (i *Inventory) Match(ctx context.Context, f filter.Filter) bool {
	return i.matcher.Match(ctx, f)
}

// =============================================================================
// 📄 事实与类文件
// =============================================================================

// LoadFacts reads a YAML facts file. Nested maps become dotted keys, lists
// are joined with commas.
func LoadFacts(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Errorf(types.ErrConfiguration, "read facts %s", path).WithCause(err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, types.Errorf(types.ErrConfiguration, "parse facts %s", path).WithCause(err)
	}
	out := make(map[string]string)
	flattenFacts("", doc, out)
	return out, nil
}

func flattenFacts(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenFacts(key, child, out)
		}
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = fmt.Sprint(item)
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

// LoadClasses reads a classes file. Blank lines and # comments are
// skipped.
func LoadClasses(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.Errorf(types.ErrConfiguration, "read classes %s", path).WithCause(err)
	}
	defer f.Close()

	var classes []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		classes = append(classes, line)
	}
	if err := sc.Err(); err != nil {
		return nil, types.Errorf(types.ErrConfiguration, "read classes %s", path).WithCause(err)
	}
	return classes, nil
}
