package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/types"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, Config{TTL: time.Minute}, nil)
}

func fleet() []filter.Node {
	return []filter.Node{
		{Identity: "web1", Collectives: []string{"fleet"}, Agents: []string{"rpcutil"}, Classes: []string{"webserver"}, Facts: map[string]string{"country": "de"}},
		{Identity: "web2", Collectives: []string{"fleet", "eu"}, Agents: []string{"rpcutil"}, Classes: []string{"webserver"}, Facts: map[string]string{"country": "fr"}},
		{Identity: "db1", Collectives: []string{"fleet"}, Agents: []string{"rpcutil", "mysql"}, Classes: []string{"database"}, Facts: map[string]string{"country": "de"}},
	}
}

func TestRegistry_RegisterAndNodes(t *testing.T) {
	_, r := setupTestRedis(t)
	ctx := context.Background()

	for _, n := range fleet() {
		require.NoError(t, r.Register(ctx, n))
	}

	nodes, err := r.Nodes(ctx, "fleet")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "db1", nodes[0].Identity)
	assert.Equal(t, []string{"rpcutil", "mysql"}, nodes[0].Agents)

	nodes, err = r.Nodes(ctx, "eu")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "web2", nodes[0].Identity)

	nodes, err = r.Nodes(ctx, "asia")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	err = r.Register(ctx, filter.Node{})
	assert.True(t, types.IsCode(err, types.ErrInvalidArgument))
}

func TestRegistry_ExpiredInventoriesArePruned(t *testing.T) {
	mr, r := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, fleet()[0]))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, r.Register(ctx, fleet()[1]))

	nodes, err := r.Nodes(ctx, "fleet")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "web2", nodes[0].Identity)

	members, err := mr.Members("fleetrpc.registry.members:fleet")
	require.NoError(t, err)
	assert.Equal(t, []string{"web2"}, members)
}

func TestRegistry_Deregister(t *testing.T) {
	mr, r := setupTestRedis(t)
	ctx := context.Background()

	node := fleet()[1]
	require.NoError(t, r.Register(ctx, node))
	require.NoError(t, r.Deregister(ctx, node))

	assert.False(t, mr.Exists("fleetrpc.registry.node:web2"))
	nodes, err := r.Nodes(ctx, "eu")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRegistry_Run(t *testing.T) {
	mr, r := setupTestRedis(t)
	r.config.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, func() filter.Node { return fleet()[0] }) }()

	require.Eventually(t, func() bool {
		return mr.Exists("fleetrpc.registry.node:web1")
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, mr.Exists("fleetrpc.registry.node:web1"))
}

func TestStrategy_Discover(t *testing.T) {
	_, r := setupTestRedis(t)
	ctx := context.Background()
	for _, n := range fleet() {
		require.NoError(t, r.Register(ctx, n))
	}
	s := NewStrategy(r)

	got, err := s.Discover(ctx, discovery.Request{Collective: "fleet", Filter: filter.New().WithFact("country", "=", "de")})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "web1"}, got)

	got, err = s.Discover(ctx, discovery.Request{Collective: "fleet", Filter: filter.New().WithClass("webserver"), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"web1"}, got)

	got, err = s.Discover(ctx, discovery.Request{Collective: "fleet", Filter: filter.New().WithAgent("mysql")})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, got)

	_, err = s.Discover(ctx, discovery.Request{})
	assert.True(t, types.IsCode(err, types.ErrInvalidArgument))
}

func TestStrategy_ThroughEngine(t *testing.T) {
	_, r := setupTestRedis(t)
	ctx := context.Background()
	for _, n := range fleet() {
		require.NoError(t, r.Register(ctx, n))
	}

	e := discovery.NewEngine(nil, nil, discovery.DefaultConfig(), nil, nil)
	require.NoError(t, e.Register(NewStrategy(r)))
	require.NoError(t, e.SetMethod(Name))

	got, err := e.Discover(ctx, discovery.Request{Collective: "fleet", Filter: filter.New().WithIdentity("/^web/")})
	require.NoError(t, err)
	assert.Equal(t, []string{"web1", "web2"}, got)
}
