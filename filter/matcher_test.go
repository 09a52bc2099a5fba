package filter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode() Node {
	return Node{
		Identity:    "web1.example.com",
		Collectives: []string{"fleet"},
		Agents:      []string{"rpcutil", "discovery", "package"},
		Classes:     []string{"webserver", "base::ntp"},
		Facts: map[string]string{
			"country":  "de",
			"memory":   "8192",
			"os":       "linux",
			"virtual":  "true",
			"hostname": "web1",
		},
	}
}

func TestMatcher_Basics(t *testing.T) {
	m := NewMatcher(testNode(), nil, DefaultMatcherConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty matches everything", New(), true},
		{"fact equal", New().WithFact("country", "=", "de"), true},
		{"fact mismatch", New().WithFact("country", "=", "fr"), false},
		{"fact missing", New().WithFact("nope", "=", "x"), false},
		{"numeric compare", New().WithFact("memory", ">=", "4096"), true},
		{"numeric compare false", New().WithFact("memory", "<", "4096"), false},
		{"regex fact", New().WithFact("os", "=~", "/^lin/"), true},
		{"not equal", New().WithFact("os", "!=", "windows"), true},
		{"bool fact", New().WithFact("virtual", "=", "TRUE"), true},
		{"class exact", New().WithClass("webserver"), true},
		{"class regex", New().WithClass("/^base::/"), true},
		{"class missing", New().WithClass("database"), false},
		{"agent", New().WithAgent("package"), true},
		{"agent missing", New().WithAgent("service"), false},
		{"identity any of", New().WithIdentity("db1").WithIdentity("web1.example.com"), true},
		{"identity regex", New().WithIdentity("/^web\\d/"), true},
		{"identity none", New().WithIdentity("db1"), false},
		{"all facts must match", New().WithFact("country", "=", "de").WithFact("os", "=", "bsd"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(ctx, tt.f))
		})
	}
}

func TestMatcher_Compound(t *testing.T) {
	var calls atomic.Int32
	data := func(ctx context.Context, name, query string) (map[string]any, error) {
		calls.Add(1)
		switch name {
		case "fact":
			return map[string]any{"value": testNode().Facts[query]}, nil
		case "broken":
			return nil, errors.New("lookup failed")
		}
		return nil, errors.New("unknown")
	}
	m := NewMatcher(testNode(), data, DefaultMatcherConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		expr string
		want bool
	}{
		{"country=de and webserver", true},
		{"country=fr or webserver", true},
		{"country=fr or database", false},
		{"not database", true},
		{"!(country=de and database)", true},
		{"country=de and (database or /ntp/)", true},
		{"fact('os').value=linux", true},
		{"fact('memory')>4096 and fact('os')=linux", true},
		{"fact('os').value=bsd", false},
		{"broken('x').value=1 or webserver", true},
		{"broken('x').value=1", false},
		{"memory>=8192", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := ParseCompound(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(ctx, New().WithCompound(expr)))
		})
	}
	assert.Greater(t, calls.Load(), int32(0))
}

func TestMatcher_CompoundDeduplicatesLookups(t *testing.T) {
	var calls atomic.Int32
	data := func(ctx context.Context, name, query string) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"value": "linux"}, nil
	}
	m := NewMatcher(testNode(), data, DefaultMatcherConfig(), nil)

	expr, err := ParseCompound("fact('os').value=linux and fact('os').value=/nux/")
	require.NoError(t, err)
	assert.True(t, m.Match(context.Background(), New().WithCompound(expr)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMatcher_FunctionsWithoutDataSource(t *testing.T) {
	m := NewMatcher(testNode(), nil, MatcherConfig{}, nil)
	expr, err := ParseCompound("fact('os').value=linux")
	require.NoError(t, err)
	assert.False(t, m.Match(context.Background(), New().WithCompound(expr)))
}

func TestMatcher_SetNode(t *testing.T) {
	m := NewMatcher(testNode(), nil, DefaultMatcherConfig(), nil)
	f := New().WithFact("country", "=", "fr")
	assert.False(t, m.Match(context.Background(), f))

	node := testNode()
	node.Facts = map[string]string{"country": "fr"}
	m.SetNode(node)
	assert.True(t, m.Match(context.Background(), f))
}

func TestCompare(t *testing.T) {
	assert.True(t, Compare("10", ">", "9"))
	assert.False(t, Compare("10", ">", "9x"))
	assert.True(t, Compare("b", ">", "a"))
	assert.True(t, Compare("1.0", "==", "1"))
	assert.False(t, Compare("abc", "=~", "/(/"))
	assert.False(t, Compare("x", "??", "x"))
}
