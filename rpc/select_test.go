package rpc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/fleetrpc/types"
)

func hostList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("n%d", i+1)
	}
	return out
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in      string
		want    Count
		wantErr bool
	}{
		{in: "", want: Count{}},
		{in: "3", want: Count{N: 3}},
		{in: " 25% ", want: Count{N: 25, Percent: true}},
		{in: "0%", want: Count{N: 0, Percent: true}},
		{in: "101%", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "many", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCount(tt.in)
			if tt.wantErr {
				assert.True(t, types.IsCode(err, types.ErrInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPickNodes(t *testing.T) {
	hosts := hostList(10)

	got, err := PickNodes(hosts, Count{N: 3}, LimitFirst, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, got)

	got, err = PickNodes(hosts, Count{N: 20}, LimitRandom, nil)
	require.NoError(t, err)
	assert.Equal(t, hosts, got)

	// 0% still picks one node
	got, err = PickNodes(hosts, Count{Percent: true}, LimitFirst, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, got)

	got, err = PickNodes(hosts, Count{N: 25, Percent: true}, LimitFirst, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = PickNodes(hosts, Count{N: 2}, "nearest", nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestBatches(t *testing.T) {
	waves := Batches(hostList(10), 3)
	sizes := make([]int, len(waves))
	for i, w := range waves {
		sizes[i] = len(w)
	}
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)

	assert.Nil(t, Batches(nil, 3))
	assert.Len(t, Batches(hostList(4), 0), 1)
	assert.Equal(t, 4, Count{N: 34, Percent: true}.batchOf(10))
	assert.Equal(t, 1, Count{N: 0, Percent: true}.batchOf(10))
	assert.Equal(t, 1, Count{N: 1, Percent: true}.batchOf(3))
}

func TestProperty_PickNodes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(rt, "hosts")
		hosts := hostList(n)
		count := Count{N: rapid.IntRange(1, 80).Draw(rt, "count")}

		first, err := PickNodes(hosts, count, LimitFirst, nil)
		if err != nil {
			rt.Fatalf("first: %v", err)
		}
		want := min(count.N, n)
		if len(first) != want {
			rt.Fatalf("first picked %d, want %d", len(first), want)
		}
		for i := range first {
			if first[i] != hosts[i] {
				rt.Fatalf("first is not a prefix at %d", i)
			}
		}

		seed := rapid.Int64().Draw(rt, "seed")
		a, _ := PickNodes(hosts, count, LimitRandom, &seed)
		b, _ := PickNodes(hosts, count, LimitRandom, &seed)
		if fmt.Sprint(a) != fmt.Sprint(b) {
			rt.Fatalf("same seed gave %v and %v", a, b)
		}
		if len(a) != want {
			rt.Fatalf("random picked %d, want %d", len(a), want)
		}
		seen := map[string]bool{}
		for _, h := range a {
			if seen[h] {
				rt.Fatalf("%s picked twice", h)
			}
			seen[h] = true
		}
	})
}

func TestProperty_Batches(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(rt, "hosts")
		size := rapid.IntRange(1, 50).Draw(rt, "size")
		hosts := hostList(n)

		waves := Batches(hosts, size)
		wantWaves := (n + size - 1) / size
		if len(waves) != wantWaves {
			rt.Fatalf("got %d waves, want %d", len(waves), wantWaves)
		}

		var joined []string
		for i, w := range waves {
			if i < len(waves)-1 && len(w) != size {
				rt.Fatalf("wave %d has %d hosts, want %d", i, len(w), size)
			}
			if len(w) == 0 || len(w) > size {
				rt.Fatalf("wave %d has %d hosts", i, len(w))
			}
			joined = append(joined, w...)
		}
		if fmt.Sprint(joined) != fmt.Sprint(hosts) {
			rt.Fatalf("waves do not cover the hosts in order")
		}
	})
}
