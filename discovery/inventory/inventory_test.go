package inventory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/types"
)

func setupTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "inventory.db")), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	s := NewStore(db, cfg, nil, nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func fleet() []filter.Node {
	return []filter.Node{
		{Identity: "web1", Collectives: []string{"fleet"}, Agents: []string{"rpcutil"}, Classes: []string{"webserver"}, Facts: map[string]string{"country": "de"}},
		{Identity: "web2", Collectives: []string{"fleet", "eu"}, Agents: []string{"rpcutil"}, Classes: []string{"webserver"}, Facts: map[string]string{"country": "fr"}},
		{Identity: "db1", Collectives: []string{"fleet"}, Agents: []string{"rpcutil", "mysql"}, Classes: []string{"database"}, Facts: map[string]string{"country": "de"}},
	}
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	for _, n := range fleet() {
		require.NoError(t, s.Upsert(context.Background(), n))
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	node := fleet()[2]
	rec, err := NewRecord(node, time.Unix(100, 0))
	require.NoError(t, err)
	assert.Equal(t, `["rpcutil","mysql"]`, rec.Agents)

	back, err := rec.Node()
	require.NoError(t, err)
	assert.Equal(t, node, back)

	rec, err = NewRecord(filter.Node{Identity: "bare"}, time.Unix(100, 0))
	require.NoError(t, err)
	assert.Equal(t, "[]", rec.Classes)
	assert.Equal(t, "{}", rec.Facts)

	_, err = Record{Identity: "x", Facts: "{"}.Node()
	assert.Error(t, err)
}

func TestStore_UpsertGetList(t *testing.T) {
	s := setupTestStore(t, Config{})
	ctx := context.Background()
	seed(t, s)

	node, err := s.Get(ctx, "web2")
	require.NoError(t, err)
	assert.Equal(t, []string{"fleet", "eu"}, node.Collectives)

	// upsert replaces the row
	changed := fleet()[1]
	changed.Facts = map[string]string{"country": "es"}
	require.NoError(t, s.Upsert(ctx, changed))
	node, err = s.Get(ctx, "web2")
	require.NoError(t, err)
	assert.Equal(t, "es", node.Facts["country"])

	nodes, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "db1", nodes[0].Identity)

	nodes, err = s.List(ctx, "web1", "nosuch")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "web1", nodes[0].Identity)

	_, err = s.Get(ctx, "nosuch")
	assert.True(t, types.IsCode(err, types.ErrInvalidArgument))

	err = s.Upsert(ctx, filter.Node{})
	assert.True(t, types.IsCode(err, types.ErrInvalidArgument))
}

func TestStore_DeleteAndPrune(t *testing.T) {
	s := setupTestStore(t, Config{MaxAge: time.Minute})
	ctx := context.Background()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	seed(t, s)

	require.NoError(t, s.Delete(ctx, "db1"))

	now = now.Add(30 * time.Second)
	require.NoError(t, s.Upsert(ctx, fleet()[0]))

	// web2 was last seen 90s ago
	now = now.Add(time.Minute)
	nodes, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "web1", nodes[0].Identity)

	pruned, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var count int64
	require.NoError(t, s.db.Model(&Record{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStore_Run(t *testing.T) {
	s := setupTestStore(t, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func() filter.Node { return fleet()[0] }) }()

	require.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), "web1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestStrategy_Discover(t *testing.T) {
	s := setupTestStore(t, Config{})
	seed(t, s)
	strategy := NewStrategy(s)
	ctx := context.Background()

	got, err := strategy.Discover(ctx, discovery.Request{Filter: filter.New().WithFact("country", "=", "de")})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "web1"}, got)

	got, err = strategy.Discover(ctx, discovery.Request{Collective: "eu"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web2"}, got)

	got, err = strategy.Discover(ctx, discovery.Request{Filter: filter.New().WithIdentities([]string{"web2", "db1"})})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "web2"}, got)

	got, err = strategy.Discover(ctx, discovery.Request{Filter: filter.New().WithClass("/server/"), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"web1"}, got)
}
