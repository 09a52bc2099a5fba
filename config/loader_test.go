// 配置加载器与校验测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, []string{"fleet"}, cfg.Collectives)
	assert.Equal(t, "redis", cfg.Connector.Type)
	assert.Equal(t, 60, cfg.RPC.DefaultTTL)
	assert.NotEmpty(t, cfg.Identity)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
identity: web1.example.net
collectives: [fleet, eu]
main_collective: eu
ddl_paths: [/etc/fleetrpc/ddl]

connector:
  type: websocket
  url: ws://bus:9190/bus

rpc:
  default_ttl: 30
  direct_addressing_threshold: 4
  discovery_timeout: 5s
  limit_method: random
  limit_seed: 42

discovery:
  flatfile_path: /etc/fleetrpc/hosts
  registry:
    enabled: true
    interval: 10s

server:
  facts_file: /etc/fleetrpc/facts.yaml
  max_workers: 4
  rate_limit_rps: 12.5
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "web1.example.net", cfg.Identity)
	assert.Equal(t, []string{"fleet", "eu"}, cfg.Collectives)
	assert.Equal(t, "eu", cfg.MainCollectiveOrDefault())
	assert.Equal(t, []string{"/etc/fleetrpc/ddl"}, cfg.DDLPaths)
	assert.Equal(t, "websocket", cfg.Connector.Type)
	assert.Equal(t, 30, cfg.RPC.DefaultTTL)
	assert.Equal(t, 4, cfg.RPC.DirectAddressingThreshold)
	assert.Equal(t, 5*time.Second, cfg.RPC.DiscoveryTimeout)
	assert.Equal(t, int64(42), cfg.RPC.LimitSeed)
	assert.True(t, cfg.Discovery.Registry.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Discovery.Registry.Interval)
	assert.Equal(t, "/etc/fleetrpc/facts.yaml", cfg.Server.FactsFile)
	assert.Equal(t, 4, cfg.Server.MaxWorkers)
	assert.InDelta(t, 12.5, cfg.Server.RateLimitRPS, 0.001)

	// 未出现在 YAML 中的字段保留默认值
	assert.Equal(t, "first", DefaultConfig().RPC.LimitMethod)
	assert.Equal(t, 90*time.Second, cfg.Discovery.Registry.TTL)
	assert.Equal(t, 256, cfg.Server.QueueSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("FLEETRPC_IDENTITY", "env-node")
	t.Setenv("FLEETRPC_COLLECTIVES", "fleet, us")
	t.Setenv("FLEETRPC_RPC_DIRECT_ADDRESSING", "false")
	t.Setenv("FLEETRPC_RPC_TIMEOUT", "30s")
	t.Setenv("FLEETRPC_SERVER_RATE_LIMIT_RPS", "2.5")
	t.Setenv("FLEETRPC_DISCOVERY_INVENTORY_ENABLED", "true")
	t.Setenv("FLEETRPC_REDIS_ADDR", "env-redis:6379")
	t.Setenv("FLEETRPC_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Identity)
	assert.Equal(t, []string{"fleet", "us"}, cfg.Collectives)
	assert.False(t, cfg.RPC.DirectAddressing)
	assert.Equal(t, 30*time.Second, cfg.RPC.Timeout)
	assert.InDelta(t, 2.5, cfg.Server.RateLimitRPS, 0.001)
	assert.True(t, cfg.Discovery.Inventory.Enabled)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
identity: yaml-node
connector:
  type: memory
  inbox_size: 16
`)
	t.Setenv("FLEETRPC_IDENTITY", "env-node")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Identity)
	assert.Equal(t, "memory", cfg.Connector.Type)
	assert.Equal(t, 16, cfg.Connector.InboxSize)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYFLEET_IDENTITY", "custom")
	t.Setenv("MYFLEET_RPC_LIMIT_METHOD", "random")

	cfg, err := NewLoader().WithEnvPrefix("MYFLEET").Load()
	require.NoError(t, err)

	assert.Equal(t, "custom", cfg.Identity)
	assert.Equal(t, "random", cfg.RPC.LimitMethod)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("FLEETRPC_RPC_DEFAULT_TTL", "sixty")
	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "FLEETRPC_RPC_DEFAULT_TTL")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("FLEETRPC_CONNECTOR_TYPE", "carrier-pigeon")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/fleetrpc.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultRPCConfig(), cfg.RPC)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "rpc:\n  default_ttl: [invalid\n  not yaml\n")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty identity", mutate: func(c *Config) { c.Identity = "" }, wantErr: "identity"},
		{name: "no collectives", mutate: func(c *Config) { c.Collectives = nil }, wantErr: "collective"},
		{name: "foreign main collective", mutate: func(c *Config) { c.MainCollective = "mars" }, wantErr: "main_collective"},
		{name: "unknown connector", mutate: func(c *Config) { c.Connector.Type = "amqp" }, wantErr: "amqp"},
		{
			name:    "websocket without url",
			mutate:  func(c *Config) { c.Connector.Type = "websocket"; c.Connector.URL = "" },
			wantErr: "connector.url",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.Provider = "jwt"; c.Security.Secret = "short" },
			wantErr: "secret",
		},
		{name: "zero ttl", mutate: func(c *Config) { c.RPC.DefaultTTL = 0 }, wantErr: "default_ttl"},
		{
			name:    "flatfile without direct addressing",
			mutate:  func(c *Config) { c.RPC.DiscoveryMethod = "flatfile"; c.RPC.DirectAddressing = false },
			wantErr: "direct addressing",
		},
		{name: "unknown limit method", mutate: func(c *Config) { c.RPC.LimitMethod = "last" }, wantErr: "limit method"},
		{name: "unknown id scheme", mutate: func(c *Config) { c.RPC.RequestIDScheme = "seq" }, wantErr: "request id"},
		{name: "no workers", mutate: func(c *Config) { c.Server.MaxWorkers = 0 }, wantErr: "max_workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Identity = "node1"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Identity = ""
	cfg.Connector.Type = "amqp"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity")
	assert.Contains(t, err.Error(), "amqp")
}

func TestConfig_MainCollectiveOrDefault(t *testing.T) {
	cfg := &Config{Collectives: []string{"fleet", "eu"}}
	assert.Equal(t, "fleet", cfg.MainCollectiveOrDefault())
	cfg.MainCollective = "eu"
	assert.Equal(t, "eu", cfg.MainCollectiveOrDefault())
	assert.Empty(t, (&Config{}).MainCollectiveOrDefault())
}

func TestMustLoad(t *testing.T) {
	path := writeConfig(t, "identity: must\n")
	assert.NotPanics(t, func() {
		assert.Equal(t, "must", MustLoad(path).Identity)
	})

	bad := writeConfig(t, "identity: [yaml")
	assert.Panics(t, func() { MustLoad(bad) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("FLEETRPC_SECURITY_CALLER_ID", "user=ci")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "user=ci", cfg.Security.CallerID)
}
