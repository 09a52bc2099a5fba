package client

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/fleetrpc/types"
)

// Stats accumulates the outcome of one round. It is not safe for
// concurrent use; a round is driven by a single goroutine.
type Stats struct {
	RequestID string `json:"requestid"`

	StartTime     time.Time     `json:"starttime"`
	DiscoveryTime time.Duration `json:"discoverytime"`
	BlockTime     time.Duration `json:"blocktime"`
	TotalTime     time.Duration `json:"totaltime"`

	Discovered      int      `json:"discovered"`
	DiscoveredNodes []string `json:"discovered_nodes"`
	ResponsesFrom   []string `json:"responsesfrom"`
	NoResponseFrom  []string `json:"noresponsefrom"`
	OKCount         int      `json:"okcount"`
	FailCount       int      `json:"failcount"`

	// Interrupted is set when the caller cancelled the round.
	Interrupted bool `json:"interrupted"`
	// Aggregates holds the summaries of the action's aggregate functions.
	Aggregates []types.AggregateSummary `json:"aggregate_summary,omitempty"`

	responded map[string]bool
	now       func() time.Time
}

// NewStats returns a reset Stats.
func NewStats() *Stats {
	s := &Stats{}
	s.Reset()
	return s
}

func (s *Stats) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Reset clears everything and restarts the clock.
func (s *Stats) Reset() {
	now := s.now
	*s = Stats{now: now, responded: make(map[string]bool)}
	s.StartTime = s.clock()
}

// DiscoveredAgents records the target set.
func (s *Stats) DiscoveredAgents(nodes []string) {
	s.DiscoveredNodes = append([]string(nil), nodes...)
	s.Discovered = len(nodes)
}

// TimeDiscovery adds to the discovery time. Batched rounds discover once
// but may call this per wave.
func (s *Stats) TimeDiscovery(d time.Duration) {
	s.DiscoveryTime += d
}

// TimeBlock adds to the time spent waiting for replies.
func (s *Stats) TimeBlock(d time.Duration) {
	s.BlockTime += d
}

// NodeResponded records a reply from sender. Repeated replies from one
// sender count once.
func (s *Stats) NodeResponded(sender string) {
	if s.responded == nil {
		s.responded = make(map[string]bool)
	}
	if s.responded[sender] {
		return
	}
	s.responded[sender] = true
	s.ResponsesFrom = append(s.ResponsesFrom, sender)
}

// Targeted reports whether sender is part of the discovered target set.
func (s *Stats) Targeted(sender string) bool {
	return slices.Contains(s.DiscoveredNodes, sender)
}

// Responses is the number of distinct senders that replied.
func (s *Stats) Responses() int {
	return len(s.ResponsesFrom)
}

// OK counts a successful reply.
func (s *Stats) OK() { s.OKCount++ }

// Fail counts a failed reply.
func (s *Stats) Fail() { s.FailCount++ }

// FinishRequest computes the total time and the nodes that never replied.
func (s *Stats) FinishRequest() {
	s.TotalTime = s.clock().Sub(s.StartTime)

	s.NoResponseFrom = s.NoResponseFrom[:0]
	for _, node := range s.DiscoveredNodes {
		if !s.responded[node] {
			s.NoResponseFrom = append(s.NoResponseFrom, node)
		}
	}
	sort.Strings(s.NoResponseFrom)
}

// Complete reports whether every discovered node replied.
func (s *Stats) Complete() bool {
	return len(s.NoResponseFrom) == 0 && s.Responses() >= s.Discovered
}

// Report renders the summary printed after a call.
func (s *Stats) Report(verbose bool) string {
	var b strings.Builder

	for _, sum := range s.Aggregates {
		b.WriteString(sum.String())
		b.WriteString("\n")
	}

	if verbose {
		fmt.Fprintf(&b, "---- rpc stats ----\n")
		fmt.Fprintf(&b, "           Nodes: %d / %d\n", s.Responses(), s.Discovered)
		fmt.Fprintf(&b, "     Pass / Fail: %d / %d\n", s.OKCount, s.FailCount)
		fmt.Fprintf(&b, "      Start Time: %s\n", s.StartTime.Format(time.RFC3339))
		fmt.Fprintf(&b, "  Discovery Time: %.2fms\n", ms(s.DiscoveryTime))
		fmt.Fprintf(&b, "      Agent Time: %.2fms\n", ms(s.BlockTime))
		fmt.Fprintf(&b, "      Total Time: %.2fms\n", ms(s.TotalTime))
	} else if s.Discovered > 0 {
		fmt.Fprintf(&b, "Finished processing %d / %d hosts in %.2f ms\n", s.Responses(), s.Discovered, ms(s.TotalTime))
	} else {
		fmt.Fprintf(&b, "Finished processing %d hosts in %.2f ms\n", s.Responses(), ms(s.TotalTime))
	}

	if len(s.NoResponseFrom) > 0 {
		fmt.Fprintf(&b, "\nNo response from:\n\n")
		for i, node := range s.NoResponseFrom {
			if i > 0 && i%3 == 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%30s", node)
		}
		b.WriteString("\n")
	}
	if s.Interrupted {
		b.WriteString("\nThe request was interrupted, results are partial\n")
	}
	return b.String()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
