package filter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Node is the inventory a node exposes to filter evaluation.
type Node struct {
	Identity    string            `json:"identity" yaml:"identity"`
	Collectives []string          `json:"collectives" yaml:"collectives"`
	Agents      []string          `json:"agents" yaml:"agents"`
	Classes     []string          `json:"classes" yaml:"classes"`
	Facts       map[string]string `json:"facts" yaml:"facts"`
}

// DataFunc resolves a data plugin call to its named outputs.
type DataFunc func(ctx context.Context, name, query string) (map[string]any, error)

// MatcherConfig tunes compound function resolution.
type MatcherConfig struct {
	// MaxConcurrentLookups bounds parallel data plugin calls per match.
	MaxConcurrentLookups int64
	// LookupTimeout bounds a single data plugin call.
	LookupTimeout time.Duration
}

// DefaultMatcherConfig returns sensible defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		MaxConcurrentLookups: 4,
		LookupTimeout:        5 * time.Second,
	}
}

// Matcher evaluates filters against one node's inventory.
type Matcher struct {
	mu     sync.RWMutex
	node   Node
	data   DataFunc
	config MatcherConfig
	logger *zap.Logger
}

// NewMatcher creates a matcher for node. data may be nil, in which case
// every function statement evaluates to false.
func NewMatcher(node Node, data DataFunc, config MatcherConfig, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrentLookups <= 0 {
		config.MaxConcurrentLookups = 1
	}
	return &Matcher{
		node:   node,
		data:   data,
		config: config,
		logger: logger.With(zap.String("component", "matcher")),
	}
}

// Node returns a copy of the inventory currently used for matching.
func (m *Matcher) Node() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.node
}

// SetNode swaps the inventory, e.g. after facts were reloaded.
func (m *Matcher) SetNode(node Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node = node
}

// Match reports whether f selects this node. Facts, classes and agents
// must all match; identities match when any entry matches; every
// compound expression must evaluate true.
func (m *Matcher) Match(ctx context.Context, f Filter) bool {
	node := m.Node()
	if f.IsEmpty() {
		return true
	}

	for _, fact := range f.Facts {
		if !MatchFact(node.Facts, fact) {
			return false
		}
	}
	for _, class := range f.Classes {
		if !matchAny(class, node.Classes) {
			return false
		}
	}
	for _, agent := range f.Agents {
		if !matchAny(agent, node.Agents) {
			return false
		}
	}
	if len(f.Identities) > 0 {
		found := false
		for _, id := range f.Identities {
			if MatchString(id, node.Identity) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if !f.HasCompound() {
		return true
	}
	results := m.resolveFunctions(ctx, f.Functions())
	for _, expr := range f.Compound {
		ok := expr.Eval(func(tok Token) bool {
			switch tok.Kind {
			case TokenStatement:
				return evalStatement(node, tok.Value)
			case TokenFunction:
				if tok.Function == nil {
					return false
				}
				out, found := results[functionKey(*tok.Function)]
				if !found {
					return false
				}
				return evalFunction(out, *tok.Function)
			}
			return false
		})
		if !ok {
			return false
		}
	}
	return true
}

func functionKey(fn Function) string {
	return fn.Name + "\x00" + fn.Params
}

// resolveFunctions runs each distinct data lookup once, concurrently,
// bounded by MaxConcurrentLookups. Failed lookups are absent from the map.
func (m *Matcher) resolveFunctions(ctx context.Context, fns []Function) map[string]map[string]any {
	results := make(map[string]map[string]any)
	if m.data == nil || len(fns) == 0 {
		return results
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(m.config.MaxConcurrentLookups)
	)
	seen := make(map[string]bool)
	for _, fn := range fns {
		key := functionKey(fn)
		if seen[key] {
			continue
		}
		seen[key] = true

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(fn Function, key string) {
			defer wg.Done()
			defer sem.Release(1)

			lookupCtx := ctx
			if m.config.LookupTimeout > 0 {
				var cancel context.CancelFunc
				lookupCtx, cancel = context.WithTimeout(ctx, m.config.LookupTimeout)
				defer cancel()
			}
			out, err := m.data(lookupCtx, fn.Name, fn.Params)
			if err != nil {
				m.logger.Debug("data lookup failed",
					zap.String("function", fn.Name),
					zap.String("query", fn.Params),
					zap.Error(err))
				return
			}
			mu.Lock()
			results[key] = out
			mu.Unlock()
		}(fn, key)
	}
	wg.Wait()
	return results
}

// evalStatement treats "fact<op>value" as a fact test and anything else
// as a class test.
func evalStatement(node Node, stmt string) bool {
	if m := factStmtPattern.FindStringSubmatch(stmt); m != nil && len(m[0]) == len(stmt) {
		op := m[2]
		if (op == "=" || op == "==") && IsRegex(m[3]) {
			op = "=~"
		}
		return MatchFact(node.Facts, Fact{Fact: m[1], Operator: op, Value: m[3]})
	}
	return matchAny(stmt, node.Classes)
}

func evalFunction(out map[string]any, fn Function) bool {
	v, ok := out[fn.Field]
	if !ok {
		return false
	}
	return Compare(fmt.Sprint(v), fn.Operator, fn.Value)
}

// MatchFact evaluates a single fact comparison against facts.
func MatchFact(facts map[string]string, fact Fact) bool {
	actual, ok := facts[fact.Fact]
	if !ok {
		return false
	}
	return Compare(actual, fact.Operator, fact.Value)
}

// Compare applies operator to actual and expected. Numeric operands are
// compared numerically, everything else lexically.
func Compare(actual, operator, expected string) bool {
	switch operator {
	case "=~":
		re, err := compileRegex(expected)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	case "==", "=":
		if actual == expected {
			return true
		}
		if IsRegex(expected) {
			return MatchString(expected, actual)
		}
		if a, b, ok := numbers(actual, expected); ok {
			return a == b
		}
		if isBool(actual) && isBool(expected) {
			return normalizeBool(actual) == normalizeBool(expected)
		}
		return actual == expected
	case "!=":
		return !Compare(actual, "==", expected)
	case "<", ">", "<=", ">=":
		if a, b, ok := numbers(actual, expected); ok {
			switch operator {
			case "<":
				return a < b
			case ">":
				return a > b
			case "<=":
				return a <= b
			default:
				return a >= b
			}
		}
		switch operator {
		case "<":
			return actual < expected
		case ">":
			return actual > expected
		case "<=":
			return actual <= expected
		default:
			return actual >= expected
		}
	}
	return false
}

func numbers(a, b string) (float64, float64, bool) {
	x, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}

func isBool(s string) bool {
	_, err := strconv.ParseBool(s)
	return err == nil
}

func normalizeBool(s string) string {
	if b, err := strconv.ParseBool(s); err == nil {
		return strconv.FormatBool(b)
	}
	return s
}

func matchAny(pattern string, values []string) bool {
	for _, v := range values {
		if MatchString(pattern, v) {
			return true
		}
	}
	return false
}
