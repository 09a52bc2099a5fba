package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/fleetrpc/config"
	"github.com/BaSui01/fleetrpc/internal/metrics"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	config := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	manager, err := NewPoolManager(gormDB, config, zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, manager.db)
	assert.NotNil(t, manager.logger)
	assert.Equal(t, config, manager.config)
	assert.Equal(t, gormDB, manager.DB())
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, testPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Stats(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	stats := manager.Stats()
	assert.Equal(t, 10, stats.MaxOpenConnections)
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)
	assert.Same(t, mockDB, manager.SQL())
}

func TestNewPoolManager_InvalidConfig(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	_, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 5}, nil)
	assert.Error(t, err)
}

func TestPoolManager_Close(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectClose()
	assert.NoError(t, manager.Close())
	// 重复关闭是安全的
	assert.NoError(t, manager.Close())
	assert.Error(t, manager.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_CheckHealth(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	manager.WithMetrics("inventory", metrics.NewCollector("db_pool_test", nil))

	mock.ExpectPing()
	assert.NoError(t, manager.CheckHealth(context.Background()))
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.CheckHealth(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_RunStopsOnCancel(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	config := testPoolConfig()
	config.HealthCheckInterval = 20 * time.Millisecond
	manager, err := NewPoolManager(gormDB, config, zap.NewNop())
	require.NoError(t, err)

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 20; i++ {
		mock.ExpectPing()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	assert.NoError(t, manager.Run(ctx))

	config.HealthCheckInterval = 0
	idle, err := NewPoolManager(gormDB, config, nil)
	require.NoError(t, err)
	assert.NoError(t, idle.Run(context.Background()))
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: PoolConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 1 * time.Hour,
				ConnMaxIdleTime: 30 * time.Minute,
			},
		},
		{
			name:    "invalid max open conns",
			config:  PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5},
			wantErr: true,
		},
		{
			name:    "invalid max idle conns",
			config:  PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0},
			wantErr: true,
		},
		{
			name:    "idle > open",
			config:  PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.NoError(t, DefaultPoolConfig().Validate())
}

func TestDSN(t *testing.T) {
	dsn, err := DSN(config.DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "fleet", Password: "pw", Name: "inventory"})
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=fleet password=pw dbname=inventory sslmode=disable", dsn)

	dsn, err = DSN(config.DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "fleet", Password: "pw", Name: "inventory"})
	require.NoError(t, err)
	assert.Equal(t, "fleet:pw@tcp(db:3306)/inventory?charset=utf8mb4&parseTime=True&loc=UTC", dsn)

	dsn, err = DSN(config.DatabaseConfig{Driver: "sqlite", Name: "/var/lib/fleet.db"})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fleet.db", dsn)

	_, err = DSN(config.DatabaseConfig{Driver: "sqlite"})
	assert.Error(t, err)
	_, err = Dialector(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
