package rpc

import (
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/BaSui01/fleetrpc/types"
)

// Limit methods.
const (
	LimitFirst  = "first"
	LimitRandom = "random"
)

// Count is an absolute node count or a percentage of the discovered set,
// written "3" or "30%". The zero value means unset.
type Count struct {
	N       int
	Percent bool
}

// ParseCount parses "3" or "30%". An empty string yields the zero Count.
func ParseCount(s string) (Count, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Count{}, nil
	}
	pct := strings.HasSuffix(s, "%")
	n, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
	if err != nil || n < 0 {
		return Count{}, types.Errorf(types.ErrInvalidArgument, "%q is neither a count nor a percentage", s)
	}
	if pct && n > 100 {
		return Count{}, types.Errorf(types.ErrInvalidArgument, "percentage %q is over 100%%", s)
	}
	return Count{N: n, Percent: pct}, nil
}

// IsZero reports whether the count is unset. "0%" is not zero: it
// resolves to one node.
func (c Count) IsZero() bool { return c.N == 0 && !c.Percent }

func (c Count) String() string {
	if c.Percent {
		return strconv.Itoa(c.N) + "%"
	}
	return strconv.Itoa(c.N)
}

// limitOf resolves c against total for target limiting. Percentages round
// down with a minimum of one node.
func (c Count) limitOf(total int) int {
	if !c.Percent {
		return c.N
	}
	n := total * c.N / 100
	if n == 0 {
		n = 1
	}
	return n
}

// batchOf resolves c against total for batching. Percentages round up
// with a minimum of one node.
func (c Count) batchOf(total int) int {
	if !c.Percent {
		return c.N
	}
	n := int(math.Ceil(float64(total) * float64(c.N) / 100))
	if n == 0 {
		n = 1
	}
	return n
}

// PickNodes selects count nodes from discovered. When discovered is not
// larger than count it is returned unchanged. LimitFirst keeps discovery
// order; LimitRandom draws without replacement, from a generator seeded
// with *seed when seed is not nil.
func PickNodes(discovered []string, count Count, method string, seed *int64) ([]string, error) {
	n := count.limitOf(len(discovered))
	if count.IsZero() || len(discovered) <= n {
		return append([]string(nil), discovered...), nil
	}

	switch method {
	case "", LimitFirst:
		return append([]string(nil), discovered[:n]...), nil
	case LimitRandom:
		var r *rand.Rand
		if seed != nil {
			r = rand.New(rand.NewPCG(uint64(*seed), 0))
		} else {
			r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		perm := r.Perm(len(discovered))
		out := make([]string, n)
		for i := range out {
			out[i] = discovered[perm[i]]
		}
		return out, nil
	}
	return nil, types.Errorf(types.ErrConfiguration, "unknown limit method %q", method)
}

// Batches splits hosts into sequential waves of size. size <= 0 yields a
// single wave.
func Batches(hosts []string, size int) [][]string {
	if len(hosts) == 0 {
		return nil
	}
	if size <= 0 || size >= len(hosts) {
		return [][]string{hosts}
	}
	waves := make([][]string, 0, (len(hosts)+size-1)/size)
	for start := 0; start < len(hosts); start += size {
		end := min(start+size, len(hosts))
		waves = append(waves, hosts[start:end])
	}
	return waves
}
