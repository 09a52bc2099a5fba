package filter

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_SelfDescribingFilterMatches(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("a filter built from a node's own inventory selects that node", prop.ForAll(
		func(identity, class, factName, factValue string) bool {
			node := Node{
				Identity: identity,
				Classes:  []string{class},
				Agents:   []string{"rpcutil"},
				Facts:    map[string]string{factName: factValue},
			}
			m := NewMatcher(node, nil, DefaultMatcherConfig(), nil)
			f := New().
				WithIdentity(identity).
				WithClass(class).
				WithAgent("rpcutil").
				WithFact(factName, "==", factValue)
			return m.Match(context.Background(), f)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("a differing fact value never matches", prop.ForAll(
		func(factName, factValue string) bool {
			node := Node{Identity: "n1", Facts: map[string]string{factName: factValue}}
			m := NewMatcher(node, nil, DefaultMatcherConfig(), nil)
			return !m.Match(context.Background(), New().WithFact(factName, "==", factValue+"-other"))
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("an identity outside the list never matches", prop.ForAll(
		func(ids []string) bool {
			node := Node{Identity: "outsider-node"}
			m := NewMatcher(node, nil, DefaultMatcherConfig(), nil)
			f := New()
			for _, id := range ids {
				f = f.WithIdentity(id + "-x")
			}
			if len(ids) == 0 {
				return true
			}
			return !m.Match(context.Background(), f)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
