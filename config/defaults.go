// =============================================================================
// 📦 FleetRPC 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"os"
	"time"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Identity:    defaultIdentity(),
		Collectives: []string{"fleet"},
		Connector:   DefaultConnectorConfig(),
		Security:    DefaultSecurityConfig(),
		RPC:         DefaultRPCConfig(),
		Discovery:   DefaultDiscoveryConfig(),
		Server:      DefaultServerConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// DefaultConnectorConfig 返回默认总线配置
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		Type:        "redis",
		URL:         "ws://localhost:9190/bus",
		Listen:      ":9190",
		InboxSize:   1024,
		DialTimeout: 5 * time.Second,
		Prefix:      "fleetrpc",
	}
}

// DefaultSecurityConfig 返回默认安全配置
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Provider: "none",
	}
}

// DefaultRPCConfig 返回默认 RPC 配置
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		DefaultTTL:                60,
		DirectAddressing:          true,
		DirectAddressingThreshold: 10,
		DiscoveryMethod:           "mc",
		DiscoveryTimeout:          2 * time.Second,
		Timeout:                   10 * time.Second,
		LimitMethod:               "first",
		PublishTimeout:            2 * time.Second,
		RequestIDScheme:           "hash",
		RetryDelay:                time.Second,
	}
}

// DefaultDiscoveryConfig 返回默认发现配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Registry: RegistryConfig{
			Prefix:   "fleetrpc:registry",
			TTL:      90 * time.Second,
			Interval: 30 * time.Second,
		},
		Inventory: InventoryConfig{
			MaxAge:   5 * time.Minute,
			Interval: time.Minute,
		},
	}
}

// DefaultServerConfig 返回默认节点配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxWorkers:      32,
		QueueSize:       256,
		RateLimitRPS:    0,
		RateLimitBurst:  100,
		ShutdownTimeout: 5 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "fleetrpc",
		Password:        "",
		Name:            "fleetrpc.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fleetrpc",
		SampleRate:   0.1,
	}
}
