// Package plugin provides the registry that maps plugin names to
// factories. Connectors, security providers, discovery strategies,
// aggregate functions and data plugins are all resolved through it once,
// at configuration time, instead of by constructing names at runtime.
package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/types"
)

// Mode controls instance lifetime.
type Mode int

const (
	// Single creates one instance on first lookup and returns it afterwards.
	Single Mode = iota
	// Multi calls the factory on every lookup.
	Multi
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case Multi:
		return "multi"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Factory builds a plugin instance.
type Factory func() (any, error)

type entry struct {
	mode     Mode
	factory  Factory
	instance any
	once     sync.Once
	err      error
}

// Registry is a name -> factory table. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "plugin_registry")),
	}
}

// Register adds a factory under name. Registering a name twice fails.
func (r *Registry) Register(name string, mode Mode, factory Factory) error {
	if name == "" {
		return types.NewError(types.ErrInvalidArgument, "plugin name is empty")
	}
	if factory == nil {
		return types.Errorf(types.ErrInvalidArgument, "plugin %s has no factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return types.Errorf(types.ErrConfiguration, "plugin %s is already registered", name).WithPlugin(name)
	}
	r.entries[name] = &entry{mode: mode, factory: factory}
	r.logger.Debug("plugin registered", zap.String("plugin", name), zap.Stringer("mode", mode))
	return nil
}

// RegisterInstance registers an already constructed singleton.
func (r *Registry) RegisterInstance(name string, instance any) error {
	return r.Register(name, Single, func() (any, error) { return instance, nil })
}

// MustRegister is Register that panics, for init-time wiring.
func (r *Registry) MustRegister(name string, mode Mode, factory Factory) {
	if err := r.Register(name, mode, factory); err != nil {
		panic(err)
	}
}

// Get returns the instance for name, creating it as the mode dictates.
func (r *Registry) Get(name string) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, types.Errorf(types.ErrUnknownPlugin, "unknown plugin %s", name).WithPlugin(name)
	}

	if e.mode == Multi {
		inst, err := e.factory()
		if err != nil {
			return nil, fmt.Errorf("create plugin %s: %w", name, err)
		}
		return inst, nil
	}

	e.once.Do(func() {
		e.instance, e.err = e.factory()
	})
	if e.err != nil {
		return nil, fmt.Errorf("create plugin %s: %w", name, e.err)
	}
	return e.instance, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// ModeOf returns the registration mode of name.
func (r *Registry) ModeOf(name string) (Mode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return 0, false
	}
	return e.mode, true
}

// Delete removes name from the registry.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
}

// Names returns sorted registered names starting with prefix.
func (r *Registry) Names(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Lookup fetches name and asserts it to T.
func Lookup[T any](r *Registry, name string) (T, error) {
	var zero T
	inst, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, types.Errorf(types.ErrConfiguration, "plugin %s has type %T, want %T", name, inst, zero).WithPlugin(name)
	}
	return typed, nil
}

// Key joins a plugin kind and a name, e.g. Key("discovery", "mc").
func Key(kind, name string) string {
	return kind + "/" + name
}
