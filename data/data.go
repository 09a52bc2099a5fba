// Package data implements the node-side data plugins that compound
// filters call, e.g. fact('os').value=linux.
package data

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/plugin"
	"github.com/BaSui01/fleetrpc/types"
)

// Result holds the named outputs of one lookup.
type Result map[string]any

// Plugin answers a single query.
type Plugin interface {
	Name() string
	Lookup(ctx context.Context, query string) (Result, error)
}

// Manager dispatches lookups to registered plugins, enforcing each
// plugin's descriptor.
type Manager struct {
	registry *plugin.Registry
	store    *ddl.Store
	logger   *zap.Logger
}

// NewManager creates a manager over reg. Plugins live under "data/<name>".
func NewManager(reg *plugin.Registry, store *ddl.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = plugin.NewRegistry(logger)
	}
	if store == nil {
		store = ddl.NewStore(nil, nil, 0, logger)
	}
	return &Manager{
		registry: reg,
		store:    store,
		logger:   logger.With(zap.String("component", "data")),
	}
}

// Register adds a plugin. It must have a data descriptor.
func (m *Manager) Register(p Plugin) error {
	if _, err := m.store.Load(ddl.KindData, p.Name()); err != nil {
		return fmt.Errorf("register data plugin %s: %w", p.Name(), err)
	}
	return m.registry.RegisterInstance(plugin.Key("data", p.Name()), p)
}

// Names returns the registered plugin names.
func (m *Manager) Names() []string {
	keys := m.registry.Names("data/")
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, "data/")
	}
	return out
}

// Lookup validates query, runs the plugin under its declared timeout and
// fills outputs the plugin left unset with declared defaults.
func (m *Manager) Lookup(ctx context.Context, name, query string) (Result, error) {
	p, err := plugin.Lookup[Plugin](m.registry, plugin.Key("data", name))
	if err != nil {
		return nil, err
	}
	desc, err := m.store.Load(ddl.KindData, name)
	if err != nil {
		return nil, err
	}
	for _, in := range desc.DataQuery.Input {
		if query == "" && in.Optional {
			break
		}
		if err := in.Validate(query); err != nil {
			return nil, types.Errorf(types.ErrDDLValidation, "data plugin %s query: %v", name, err).WithPlugin(name)
		}
	}

	if timeout := desc.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := p.Lookup(ctx, query)
	if err != nil {
		m.logger.Debug("data lookup failed", zap.String("plugin", name), zap.String("query", query), zap.Error(err))
		return nil, fmt.Errorf("data plugin %s: %w", name, err)
	}
	if res == nil {
		res = Result{}
	}
	for field, out := range desc.DataQuery.Output {
		if _, ok := res[field]; !ok && out.Default != nil {
			res[field] = out.Default
		}
	}
	return res, nil
}

// Func adapts the manager to the matcher's DataFunc.
func (m *Manager) Func() filter.DataFunc {
	return func(ctx context.Context, name, query string) (map[string]any, error) {
		res, err := m.Lookup(ctx, name, query)
		if err != nil {
			return nil, err
		}
		return map[string]any(res), nil
	}
}
