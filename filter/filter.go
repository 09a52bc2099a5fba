package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/fleetrpc/types"
)

// Fact is a single fact comparison such as "country=de" or "memory>=4096".
type Fact struct {
	Fact     string `json:"fact" yaml:"fact"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// String renders the fact back into CLI form.
func (f Fact) String() string {
	return f.Fact + f.Operator + f.Value
}

// Features lists the filter capabilities a request uses, or that a
// discovery strategy supports.
type Features struct {
	Classes  bool `json:"classes"`
	Facts    bool `json:"facts"`
	Identity bool `json:"identity"`
	Compound bool `json:"compound"`
}

// Filter is an immutable set of match criteria. All With* methods return
// a new Filter and never touch the receiver's slices.
type Filter struct {
	Facts      []Fact       `json:"fact"`
	Classes    []string     `json:"cf_class"`
	Agents     []string     `json:"agent"`
	Identities []string     `json:"identity"`
	Compound   []Expression `json:"compound"`
}

// New returns an empty filter. An empty filter matches every node.
func New() Filter {
	return Filter{}
}

// Clone returns a deep copy of f.
func (f Filter) Clone() Filter {
	out := Filter{
		Facts:      append([]Fact(nil), f.Facts...),
		Classes:    append([]string(nil), f.Classes...),
		Agents:     append([]string(nil), f.Agents...),
		Identities: append([]string(nil), f.Identities...),
	}
	for _, expr := range f.Compound {
		out.Compound = append(out.Compound, expr.Clone())
	}
	return out
}

// IsEmpty reports whether no criteria are set.
func (f Filter) IsEmpty() bool {
	return len(f.Facts) == 0 && len(f.Classes) == 0 && len(f.Agents) == 0 &&
		len(f.Identities) == 0 && len(f.Compound) == 0
}

// WithFact adds a fact comparison.
func (f Filter) WithFact(fact, operator, value string) Filter {
	out := f.Clone()
	out.Facts = append(out.Facts, Fact{Fact: fact, Operator: operator, Value: value})
	return out
}

// WithClass adds a class (exact or /regex/).
func (f Filter) WithClass(class string) Filter {
	out := f.Clone()
	if !contains(out.Classes, class) {
		out.Classes = append(out.Classes, class)
	}
	return out
}

// WithAgent adds an agent name.
func (f Filter) WithAgent(agent string) Filter {
	out := f.Clone()
	if !contains(out.Agents, agent) {
		out.Agents = append(out.Agents, agent)
	}
	return out
}

// WithIdentity adds an identity (exact or /regex/).
func (f Filter) WithIdentity(identity string) Filter {
	out := f.Clone()
	if !contains(out.Identities, identity) {
		out.Identities = append(out.Identities, identity)
	}
	return out
}

// WithIdentities replaces the identity list.
func (f Filter) WithIdentities(identities []string) Filter {
	out := f.Clone()
	out.Identities = append([]string(nil), identities...)
	return out
}

// WithCompound adds a compound expression.
func (f Filter) WithCompound(expr Expression) Filter {
	out := f.Clone()
	out.Compound = append(out.Compound, expr.Clone())
	return out
}

// Features reports which capabilities the filter uses. The agent
// component is not reported because every strategy supports it.
func (f Filter) Features() Features {
	return Features{
		Classes:  len(f.Classes) > 0,
		Facts:    len(f.Facts) > 0,
		Identity: len(f.Identities) > 0,
		Compound: len(f.Compound) > 0,
	}
}

// HasCompound reports whether any compound expression is present.
func (f Filter) HasCompound() bool {
	return len(f.Compound) > 0
}

// IdentityOnly reports whether the filter names exact identities and
// nothing else apart from agents. Such a filter already is a target list.
func (f Filter) IdentityOnly() bool {
	if len(f.Identities) == 0 || len(f.Facts) > 0 || len(f.Classes) > 0 || len(f.Compound) > 0 {
		return false
	}
	for _, id := range f.Identities {
		if IsRegex(id) {
			return false
		}
	}
	return true
}

// Functions returns every data function call embedded in compound
// expressions, in order of appearance.
func (f Filter) Functions() []Function {
	var out []Function
	for _, expr := range f.Compound {
		for _, tok := range expr {
			if tok.Kind == TokenFunction && tok.Function != nil {
				out = append(out, *tok.Function)
			}
		}
	}
	return out
}

// Unsupported returns the names of features f uses that caps lacks.
func (f Filter) Unsupported(caps Features) []string {
	used := f.Features()
	var missing []string
	if used.Classes && !caps.Classes {
		missing = append(missing, "classes")
	}
	if used.Facts && !caps.Facts {
		missing = append(missing, "facts")
	}
	if used.Identity && !caps.Identity {
		missing = append(missing, "identity")
	}
	if used.Compound && !caps.Compound {
		missing = append(missing, "compound")
	}
	return missing
}

// String renders a short human readable form for logs.
func (f Filter) String() string {
	if f.IsEmpty() {
		return "<empty>"
	}
	var parts []string
	for _, fact := range f.Facts {
		parts = append(parts, "fact:"+fact.String())
	}
	for _, c := range f.Classes {
		parts = append(parts, "class:"+c)
	}
	for _, a := range f.Agents {
		parts = append(parts, "agent:"+a)
	}
	for _, id := range f.Identities {
		parts = append(parts, "identity:"+id)
	}
	for _, expr := range f.Compound {
		parts = append(parts, "compound:"+expr.String())
	}
	return strings.Join(parts, " ")
}

var factOperators = []string{">=", "<=", "=~", "!=", "==", "=", "<", ">"}

// ParseFact parses CLI fact syntax: "fact=value", "fact>=4", "fact=/re/".
func ParseFact(s string) (Fact, error) {
	for _, op := range factOperators {
		idx := strings.Index(s, op)
		if idx <= 0 {
			continue
		}
		fact := strings.TrimSpace(s[:idx])
		value := strings.TrimSpace(s[idx+len(op):])
		if fact == "" || value == "" {
			break
		}
		if (op == "=" || op == "==") && IsRegex(value) {
			op = "=~"
		}
		return Fact{Fact: fact, Operator: op, Value: value}, nil
	}
	return Fact{}, types.Errorf(types.ErrInvalidArgument, "could not parse fact %q, it does not appear to be in a valid format", s)
}

// IsRegex reports whether s is written as /pattern/.
func IsRegex(s string) bool {
	return len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/")
}

// MatchString matches value against pattern, which is either an exact
// string or a /regex/. Invalid regular expressions never match.
func MatchString(pattern, value string) bool {
	if !IsRegex(pattern) {
		return pattern == value
	}
	re, err := compileRegex(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if IsRegex(pattern) {
		pattern = pattern[1 : len(pattern)-1]
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression %q: %w", pattern, err)
	}
	return re, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
