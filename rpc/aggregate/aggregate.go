// Package aggregate summarizes one output field across all replies of a
// call. Functions are resolved through the plugin registry in Multi mode,
// so every call gets fresh instances.
package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/plugin"
	"github.com/BaSui01/fleetrpc/types"
)

// Result types.
const (
	TypeNumeric    = types.AggregateNumeric
	TypeCollection = types.AggregateCollection
)

const pluginKind = "aggregate"

// Summary is the outcome of one function.
type Summary = types.AggregateSummary

// Function is one aggregate function instance.
type Function interface {
	// Init configures the instance. args are the declaration's arguments
	// after the output name.
	Init(output string, args []string, format string) error
	Process(value any) error
	Summarize() Summary
}

var builtins = map[string]func() Function{
	"summary":         func() Function { return &summaryFunc{} },
	"average":         func() Function { return &averageFunc{} },
	"sum":             func() Function { return &sumFunc{} },
	"boolean_summary": func() Function { return &booleanFunc{} },
}

// Register installs the built-in functions under aggregate/<name>.
func Register(reg *plugin.Registry) error {
	for name, newFn := range builtins {
		newFn := newFn
		if err := reg.Register(plugin.Key(pluginKind, name), plugin.Multi, func() (any, error) {
			return newFn(), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// New creates and initializes the function a declaration names.
func New(reg *plugin.Registry, decl ddl.Aggregate) (Function, error) {
	fn, err := plugin.Lookup[Function](reg, plugin.Key(pluginKind, decl.Function))
	if err != nil {
		return nil, err
	}
	if decl.Field() == "" {
		return nil, types.Errorf(types.ErrDDLValidation, "aggregate %s names no output", decl.Function)
	}
	if err := fn.Init(decl.Field(), decl.Args[1:], decl.Format); err != nil {
		return nil, err
	}
	return fn, nil
}

type live struct {
	decl ddl.Aggregate
	fn   Function
}

// Set runs every declared function of an action over the replies of one
// call. A function that fails is dropped for the rest of the call.
type Set struct {
	live   []live
	logger *zap.Logger
}

// NewSet instantiates decls. Declarations that cannot be instantiated are
// logged and skipped.
func NewSet(reg *plugin.Registry, decls []ddl.Aggregate, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{logger: logger.With(zap.String("component", "aggregate"))}
	for _, decl := range decls {
		fn, err := New(reg, decl)
		if err != nil {
			s.logger.Error("failed to create aggregate function",
				zap.String("function", decl.Function), zap.Error(err))
			continue
		}
		s.live = append(s.live, live{decl: decl, fn: fn})
	}
	return s
}

// Len is the number of functions still live.
func (s *Set) Len() int {
	return len(s.live)
}

// Process feeds one reply's data to every live function. Replies that do
// not carry a function's output are skipped for that function.
func (s *Set) Process(data map[string]any) {
	kept := s.live[:0]
	for _, l := range s.live {
		v, ok := data[l.decl.Field()]
		if !ok || v == nil {
			kept = append(kept, l)
			continue
		}
		if err := processSafe(l.fn, v); err != nil {
			s.logger.Error("aggregate function failed, dropping it",
				zap.String("function", l.decl.Function),
				zap.String("output", l.decl.Field()),
				zap.Error(err))
			continue
		}
		kept = append(kept, l)
	}
	s.live = kept
}

// processSafe turns a panic inside a function into an error so the
// function is dropped like one that failed.
func processSafe(fn Function, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("aggregate function panicked: %v", r)
		}
	}()
	return fn.Process(v)
}

// Summarize returns the results of every surviving function ordered by
// output, then function name.
func (s *Set) Summarize() []Summary {
	out := make([]Summary, 0, len(s.live))
	for _, l := range s.live {
		out = append(out, l.fn.Summarize())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Output != out[j].Output {
			return out[i].Output < out[j].Output
		}
		return out[i].Function < out[j].Function
	})
	return out
}

// summaryFunc counts distinct values. List values count each element.
type summaryFunc struct {
	output string
	format string
	counts map[string]int
}

func (f *summaryFunc) Init(output string, _ []string, format string) error {
	f.output, f.format, f.counts = output, format, make(map[string]int)
	return nil
}

func (f *summaryFunc) Process(v any) error {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			f.counts[fmt.Sprint(item)]++
		}
	case []string:
		for _, item := range val {
			f.counts[item]++
		}
	case map[string]any:
		return fmt.Errorf("cannot summarize a hash value")
	default:
		f.counts[fmt.Sprint(val)]++
	}
	return nil
}

func (f *summaryFunc) Summarize() Summary {
	return Summary{Function: "summary", Output: f.output, Type: TypeCollection, Value: f.counts, Format: f.format}
}

// averageFunc averages numeric values.
type averageFunc struct {
	output string
	format string
	sum    float64
	count  int
}

func (f *averageFunc) Init(output string, _ []string, format string) error {
	f.output, f.format = output, format
	if f.format == "" {
		f.format = "Average of " + strings.ReplaceAll(output, "%", "%%") + ": %f"
	}
	return nil
}

func (f *averageFunc) Process(v any) error {
	n, err := number(v)
	if err != nil {
		return err
	}
	f.sum += n
	f.count++
	return nil
}

func (f *averageFunc) Summarize() Summary {
	avg := 0.0
	if f.count > 0 {
		avg = f.sum / float64(f.count)
	}
	return Summary{Function: "average", Output: f.output, Type: TypeNumeric, Value: avg, Format: f.format}
}

// sumFunc adds numeric values.
type sumFunc struct {
	output string
	format string
	sum    float64
}

func (f *sumFunc) Init(output string, _ []string, format string) error {
	f.output, f.format = output, format
	if f.format == "" {
		f.format = "Sum of " + strings.ReplaceAll(output, "%", "%%") + ": %f"
	}
	return nil
}

func (f *sumFunc) Process(v any) error {
	n, err := number(v)
	if err != nil {
		return err
	}
	f.sum += n
	return nil
}

func (f *sumFunc) Summarize() Summary {
	return Summary{Function: "sum", Output: f.output, Type: TypeNumeric, Value: f.sum, Format: f.format}
}

// booleanFunc counts true and false values. Optional args relabel them:
// boolean_summary(output, yes_label, no_label).
type booleanFunc struct {
	output     string
	format     string
	trueLabel  string
	falseLabel string
	counts     map[string]int
}

func (f *booleanFunc) Init(output string, args []string, format string) error {
	f.output, f.format = output, format
	f.trueLabel, f.falseLabel = "true", "false"
	if len(args) > 0 && args[0] != "" {
		f.trueLabel = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		f.falseLabel = args[1]
	}
	f.counts = map[string]int{f.trueLabel: 0, f.falseLabel: 0}
	return nil
}

func (f *booleanFunc) Process(v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("boolean_summary needs boolean values, got %T", v)
	}
	if b {
		f.counts[f.trueLabel]++
	} else {
		f.counts[f.falseLabel]++
	}
	return nil
}

func (f *booleanFunc) Summarize() Summary {
	return Summary{Function: "boolean_summary", Output: f.output, Type: TypeCollection, Value: f.counts, Format: f.format}
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%v (%T) is not numeric", v, v)
	}
}
