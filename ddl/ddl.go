// Package ddl parses and applies interface descriptors. An agent
// descriptor declares actions with typed inputs, outputs, a timeout and
// aggregate functions; a data descriptor declares the query input and
// named outputs of a data plugin; a discovery descriptor declares the
// filter capabilities and default timeout of a discovery strategy.
package ddl

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/types"
)

// Kind is the descriptor family.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindData      Kind = "data"
	KindDiscovery Kind = "discovery"
)

// InputType is the declared type of an input.
type InputType string

const (
	TypeString  InputType = "string"
	TypeInteger InputType = "integer"
	TypeFloat   InputType = "float"
	TypeNumber  InputType = "number"
	TypeBoolean InputType = "boolean"
	TypeList    InputType = "list" // one of Input.List
	TypeArray   InputType = "array"
	TypeHash    InputType = "hash"
	TypeAny     InputType = "any"
)

// Metadata identifies a descriptor.
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	License     string `yaml:"license,omitempty" json:"license,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	URL         string `yaml:"url,omitempty" json:"url,omitempty"`
	// Timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout"`
}

// Input declares one named argument.
type Input struct {
	Prompt      string    `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Type        InputType `yaml:"type" json:"type"`
	Optional    bool      `yaml:"optional,omitempty" json:"optional,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Validation  string    `yaml:"validation,omitempty" json:"validation,omitempty"`
	MaxLength   int       `yaml:"maxlength,omitempty" json:"maxlength,omitempty"`
	List        []string  `yaml:"list,omitempty" json:"list,omitempty"`
}

// Output declares one named result field.
type Output struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	DisplayAs   string `yaml:"display_as,omitempty" json:"display_as,omitempty"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// Aggregate declares a summary function over an output field.
type Aggregate struct {
	Function string   `yaml:"function" json:"function"`
	Args     []string `yaml:"args" json:"args"`
	Format   string   `yaml:"format,omitempty" json:"format,omitempty"`
}

// Field returns the output the aggregate consumes.
func (a Aggregate) Field() string {
	if len(a.Args) == 0 {
		return ""
	}
	return a.Args[0]
}

// Action is one callable action of an agent.
type Action struct {
	Name        string            `yaml:"-" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Display     string            `yaml:"display,omitempty" json:"display,omitempty"`
	Input       map[string]Input  `yaml:"input,omitempty" json:"input,omitempty"`
	Output      map[string]Output `yaml:"output,omitempty" json:"output,omitempty"`
	Aggregate   []Aggregate       `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
}

// DataQuery is the interface of a data plugin.
type DataQuery struct {
	Input  map[string]Input  `yaml:"input,omitempty" json:"input,omitempty"`
	Output map[string]Output `yaml:"output" json:"output"`
}

// DiscoveryInterface is the interface of a discovery strategy.
type DiscoveryInterface struct {
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
}

// DDL is a parsed descriptor.
type DDL struct {
	Kind      Kind                `yaml:"-" json:"kind"`
	Metadata  Metadata            `yaml:"metadata" json:"metadata"`
	Actions   map[string]*Action  `yaml:"actions,omitempty" json:"actions,omitempty"`
	DataQuery *DataQuery          `yaml:"dataquery,omitempty" json:"dataquery,omitempty"`
	Discovery *DiscoveryInterface `yaml:"discovery,omitempty" json:"discovery,omitempty"`
}

// Parse decodes a YAML descriptor of the given kind and checks it is
// well formed.
func Parse(kind Kind, data []byte) (*DDL, error) {
	var d DDL
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, types.NewError(types.ErrDDLValidation, "failed to parse descriptor").WithCause(err)
	}
	d.Kind = kind
	if err := d.check(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *DDL) check() error {
	if d.Metadata.Name == "" {
		return types.NewError(types.ErrDDLValidation, "descriptor metadata has no name")
	}
	if d.Metadata.Timeout < 0 {
		return types.Errorf(types.ErrDDLValidation, "%s descriptor %s has a negative timeout", d.Kind, d.Metadata.Name)
	}

	switch d.Kind {
	case KindAgent:
		if len(d.Actions) == 0 {
			return types.Errorf(types.ErrDDLValidation, "agent %s declares no actions", d.Metadata.Name)
		}
		for name, act := range d.Actions {
			if act == nil {
				return types.Errorf(types.ErrDDLValidation, "agent %s action %s is empty", d.Metadata.Name, name)
			}
			act.Name = name
			if err := checkInputs(d.Metadata.Name+"#"+name, act.Input); err != nil {
				return err
			}
			for _, agg := range act.Aggregate {
				if agg.Function == "" || agg.Field() == "" {
					return types.Errorf(types.ErrDDLValidation, "agent %s action %s has an incomplete aggregate", d.Metadata.Name, name)
				}
				if _, ok := act.Output[agg.Field()]; !ok {
					return types.Errorf(types.ErrDDLValidation, "agent %s action %s aggregates undeclared output %s", d.Metadata.Name, name, agg.Field())
				}
			}
		}
	case KindData:
		if d.DataQuery == nil || len(d.DataQuery.Output) == 0 {
			return types.Errorf(types.ErrDDLValidation, "data plugin %s declares no outputs", d.Metadata.Name)
		}
		if len(d.DataQuery.Input) > 1 {
			return types.Errorf(types.ErrDDLValidation, "data plugin %s may declare only the query input", d.Metadata.Name)
		}
		if err := checkInputs(d.Metadata.Name, d.DataQuery.Input); err != nil {
			return err
		}
	case KindDiscovery:
		if d.Discovery == nil {
			return types.Errorf(types.ErrDDLValidation, "discovery plugin %s declares no interface", d.Metadata.Name)
		}
		for _, c := range d.Discovery.Capabilities {
			switch c {
			case "classes", "facts", "identity", "agents", "compound":
			default:
				return types.Errorf(types.ErrDDLValidation, "discovery plugin %s declares unknown capability %s", d.Metadata.Name, c)
			}
		}
	default:
		return types.Errorf(types.ErrDDLValidation, "unknown descriptor kind %q", d.Kind)
	}
	return nil
}

func checkInputs(owner string, inputs map[string]Input) error {
	for name, in := range inputs {
		switch in.Type {
		case TypeString, TypeInteger, TypeFloat, TypeNumber, TypeBoolean, TypeArray, TypeHash, TypeAny:
		case TypeList:
			if len(in.List) == 0 {
				return types.Errorf(types.ErrDDLValidation, "%s input %s is a list without values", owner, name)
			}
		default:
			return types.Errorf(types.ErrDDLValidation, "%s input %s has unknown type %q", owner, name, in.Type)
		}
		if in.Validation != "" {
			if _, err := regexp.Compile(in.Validation); err != nil {
				return types.Errorf(types.ErrDDLValidation, "%s input %s has a bad validation pattern", owner, name).WithCause(err)
			}
		}
	}
	return nil
}

// Name returns the plugin name.
func (d *DDL) Name() string {
	return d.Metadata.Name
}

// Timeout returns the declared timeout.
func (d *DDL) Timeout() time.Duration {
	return time.Duration(d.Metadata.Timeout) * time.Second
}

// ActionNames lists the declared actions sorted.
func (d *DDL) ActionNames() []string {
	names := make([]string, 0, len(d.Actions))
	for name := range d.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionInterface returns the named action.
func (d *DDL) ActionInterface(action string) (*Action, error) {
	if d.Kind != KindAgent {
		return nil, types.Errorf(types.ErrUnsupportedOperation, "%s descriptor %s has no actions", d.Kind, d.Name())
	}
	act, ok := d.Actions[action]
	if !ok {
		return nil, types.Errorf(types.ErrUnknownAction, "agent %s has no action %s", d.Name(), action).WithPlugin(d.Name())
	}
	return act, nil
}

// ValidateRequest checks args against the action's inputs and returns a
// copy with defaults filled in for omitted optional inputs. Unknown
// arguments are passed through untouched.
func (d *DDL) ValidateRequest(action string, args map[string]any) (map[string]any, error) {
	act, err := d.ActionInterface(action)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(args)+len(act.Input))
	for k, v := range args {
		out[k] = v
	}

	names := make([]string, 0, len(act.Input))
	for name := range act.Input {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		in := act.Input[name]
		v, present := out[name]
		if !present {
			if in.Default != nil {
				out[name] = in.Default
				continue
			}
			if !in.Optional {
				return nil, types.Errorf(types.ErrDDLValidation, "action %s#%s needs input %s", d.Name(), action, name)
			}
			continue
		}
		if err := in.Validate(v); err != nil {
			return nil, types.Errorf(types.ErrDDLValidation, "action %s#%s input %s: %v", d.Name(), action, name, err).WithCause(err)
		}
	}
	return out, nil
}

// ReplyDefaults returns the declared output defaults for action.
func (d *DDL) ReplyDefaults(action string) map[string]any {
	act, err := d.ActionInterface(action)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(act.Output))
	for name, o := range act.Output {
		if o.Default != nil {
			out[name] = o.Default
		}
	}
	return out
}

// HasOutput reports whether a data plugin declares output.
func (d *DDL) HasOutput(output string) bool {
	if d.DataQuery == nil {
		return false
	}
	_, ok := d.DataQuery.Output[output]
	return ok
}

// ValidateDataQuery checks a compound filter function call against this
// data descriptor: the referenced output must exist and the query must
// satisfy the declared input.
func (d *DDL) ValidateDataQuery(fn filter.Function) error {
	if d.Kind != KindData {
		return types.Errorf(types.ErrDDLValidation, "%s is not a data plugin", d.Name())
	}
	if !d.HasOutput(fn.Field) {
		return types.Errorf(types.ErrDDLValidation, "data plugin %s has no output %s", d.Name(), fn.Field).WithPlugin(d.Name())
	}
	for name, in := range d.DataQuery.Input {
		if fn.Params == "" {
			if in.Optional {
				return nil
			}
			return types.Errorf(types.ErrDDLValidation, "data plugin %s needs a %s", d.Name(), name).WithPlugin(d.Name())
		}
		if err := in.Validate(fn.Params); err != nil {
			return types.Errorf(types.ErrDDLValidation, "data plugin %s %s: %v", d.Name(), name, err).WithPlugin(d.Name()).WithCause(err)
		}
	}
	return nil
}

// Capabilities returns the filter features a discovery descriptor
// declares.
func (d *DDL) Capabilities() filter.Features {
	var f filter.Features
	if d.Discovery == nil {
		return f
	}
	for _, c := range d.Discovery.Capabilities {
		switch c {
		case "classes":
			f.Classes = true
		case "facts":
			f.Facts = true
		case "identity":
			f.Identity = true
		case "compound":
			f.Compound = true
		}
	}
	return f
}

// Help renders a plain text overview of an agent descriptor.
func (d *DDL) Help() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", d.Name(), d.Kind)
	if d.Metadata.Description != "" {
		fmt.Fprintf(&b, "  %s\n", d.Metadata.Description)
	}
	fmt.Fprintf(&b, "  timeout: %s\n", d.Timeout())
	for _, name := range d.ActionNames() {
		act := d.Actions[name]
		fmt.Fprintf(&b, "\n  %s: %s\n", name, act.Description)
		for _, in := range sortedKeys(act.Input) {
			i := act.Input[in]
			opt := ""
			if i.Optional {
				opt = " (optional)"
			}
			fmt.Fprintf(&b, "    input  %-16s %s%s\n", in, i.Type, opt)
		}
		for _, out := range sortedKeys(act.Output) {
			fmt.Fprintf(&b, "    output %-16s %s\n", out, act.Output[out].Description)
		}
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
