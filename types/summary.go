package types

import (
	"fmt"
	"sort"
	"strings"
)

// Aggregate result types.
const (
	AggregateNumeric    = "numeric"
	AggregateCollection = "collection"
)

// AggregateSummary is the outcome of one aggregate function over the
// replies of a call.
type AggregateSummary struct {
	Function string `json:"function"`
	Output   string `json:"output"`
	Type     string `json:"type"`
	// Value is a float64 for numeric results and a map[string]int for
	// collections.
	Value  any    `json:"value"`
	Format string `json:"format,omitempty"`
}

// String renders the summary for terminals.
func (s AggregateSummary) String() string {
	switch v := s.Value.(type) {
	case map[string]int:
		keys := make([]string, 0, len(v))
		width := 0
		for k := range v {
			keys = append(keys, k)
			if len(k) > width {
				width = len(k)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			if v[keys[i]] != v[keys[j]] {
				return v[keys[i]] > v[keys[j]]
			}
			return keys[i] < keys[j]
		})

		var b strings.Builder
		fmt.Fprintf(&b, "Summary of %s:\n\n", s.Output)
		for _, k := range keys {
			if s.Format != "" {
				fmt.Fprintf(&b, s.Format, k, v[k])
			} else {
				fmt.Fprintf(&b, "   %*s = %d", width, k, v[k])
			}
			b.WriteString("\n")
		}
		return b.String()
	default:
		return fmt.Sprintf(s.Format, s.Value)
	}
}
