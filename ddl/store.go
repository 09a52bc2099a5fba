package ddl

import (
	"embed"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/internal/cache"
	"github.com/BaSui01/fleetrpc/types"
)

//go:embed builtin
var builtin embed.FS

// CacheName is the named cache holding parsed descriptors.
const CacheName = "ddl"

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// Store resolves descriptors by kind and name. Lookup order is
// programmatic registrations, then the configured directories in order,
// then the embedded built-in descriptors. Parsed descriptors live in the
// "ddl" named cache keyed <kind>/<name>.
type Store struct {
	mu         sync.RWMutex
	registered map[string]*DDL
	paths      []string
	cache      *cache.Cache
	logger     *zap.Logger
}

// NewStore creates a store. caches may be nil; ttl of zero keeps parsed
// descriptors until Reload.
func NewStore(caches *cache.Manager, paths []string, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if caches == nil {
		caches = cache.NewManager(logger)
	}
	return &Store{
		registered: make(map[string]*DDL),
		paths:      append([]string(nil), paths...),
		cache:      caches.Setup(CacheName, ttl),
		logger:     logger.With(zap.String("component", "ddl_store")),
	}
}

func cacheKey(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// Register adds a descriptor that takes precedence over files.
func (s *Store) Register(d *DDL) error {
	if d == nil {
		return types.NewError(types.ErrInvalidArgument, "nil descriptor")
	}
	if err := d.check(); err != nil {
		return err
	}
	s.mu.Lock()
	s.registered[cacheKey(d.Kind, d.Name())] = d
	s.mu.Unlock()
	s.cache.Invalidate(cacheKey(d.Kind, d.Name()))
	return nil
}

// Load returns the descriptor for kind/name.
func (s *Store) Load(kind Kind, name string) (*DDL, error) {
	if !namePattern.MatchString(name) {
		return nil, types.Errorf(types.ErrInvalidArgument, "invalid %s plugin name %q", kind, name)
	}
	key := cacheKey(kind, name)

	s.mu.RLock()
	d, ok := s.registered[key]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err := s.cache.Fetch(key, func() (any, error) {
		return s.read(kind, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*DDL), nil
}

func (s *Store) read(kind Kind, name string) (*DDL, error) {
	file := name + ".yaml"
	for _, dir := range s.paths {
		p := filepath.Join(dir, string(kind), file)
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, types.Errorf(types.ErrDDLValidation, "failed to read %s", p).WithCause(err)
		}
		d, err := Parse(kind, data)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("descriptor loaded", zap.String("path", p))
		return d, nil
	}

	data, err := builtin.ReadFile(path.Join("builtin", string(kind), file))
	if err != nil {
		return nil, types.Errorf(types.ErrUnknownPlugin, "no %s descriptor for %s", kind, name).WithPlugin(name)
	}
	return Parse(kind, data)
}

// Names lists every descriptor name of kind the store can resolve.
func (s *Store) Names(kind Kind) []string {
	seen := make(map[string]struct{})

	s.mu.RLock()
	for key := range s.registered {
		if n, ok := strings.CutPrefix(key, string(kind)+"/"); ok {
			seen[n] = struct{}{}
		}
	}
	s.mu.RUnlock()

	for _, dir := range s.paths {
		matches, _ := filepath.Glob(filepath.Join(dir, string(kind), "*.yaml"))
		for _, m := range matches {
			seen[strings.TrimSuffix(filepath.Base(m), ".yaml")] = struct{}{}
		}
	}
	entries, _ := builtin.ReadDir(path.Join("builtin", string(kind)))
	for _, e := range entries {
		seen[strings.TrimSuffix(e.Name(), ".yaml")] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reload drops every cached descriptor read from disk.
func (s *Store) Reload() {
	for _, kind := range []Kind{KindAgent, KindData, KindDiscovery} {
		for _, name := range s.Names(kind) {
			s.cache.Invalidate(cacheKey(kind, name))
		}
	}
}
