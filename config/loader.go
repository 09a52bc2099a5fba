// =============================================================================
// 📦 FleetRPC 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fleetrpc.yaml").
//	    WithEnvPrefix("FLEETRPC").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 FleetRPC 进程（客户端或节点）的完整配置
type Config struct {
	// Identity 本进程的身份，默认取主机名
	Identity string `yaml:"identity" env:"IDENTITY"`

	// Collectives 加入的 collective 列表
	Collectives []string `yaml:"collectives" env:"COLLECTIVES"`

	// MainCollective 默认 collective，为空时取 Collectives[0]
	MainCollective string `yaml:"main_collective" env:"MAIN_COLLECTIVE"`

	// DDLPaths 额外的 DDL 目录，按顺序查找
	DDLPaths []string `yaml:"ddl_paths" env:"DDL_PATHS"`

	// Connector 消息总线配置
	Connector ConnectorConfig `yaml:"connector" env:"CONNECTOR"`

	// Security 消息签名配置
	Security SecurityConfig `yaml:"security" env:"SECURITY"`

	// RPC 客户端行为配置
	RPC RPCConfig `yaml:"rpc" env:"RPC"`

	// Discovery 发现方式配置
	Discovery DiscoveryConfig `yaml:"discovery" env:"DISCOVERY"`

	// Server 节点端配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 连接配置（redis 总线与 registry 发现共用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 清单数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ConnectorConfig 消息总线配置
type ConnectorConfig struct {
	// 类型: memory, redis, websocket
	Type string `yaml:"type" env:"TYPE"`
	// websocket 总线地址
	URL string `yaml:"url" env:"URL"`
	// broker 子命令的监听地址
	Listen string `yaml:"listen" env:"LISTEN"`
	// 接收缓冲大小
	InboxSize int `yaml:"inbox_size" env:"INBOX_SIZE"`
	// 连接超时
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// Redis 频道前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// wss:// 的私有 CA
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	// 提供者: none, jwt
	Provider string `yaml:"provider" env:"PROVIDER"`
	// jwt 共享密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// 覆盖默认的 user=<login>
	CallerID string `yaml:"caller_id" env:"CALLER_ID"`
}

// RPCConfig 请求与发现的默认行为
type RPCConfig struct {
	// 消息存活秒数
	DefaultTTL int `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// 是否允许定向请求
	DirectAddressing bool `yaml:"direct_addressing" env:"DIRECT_ADDRESSING"`
	// 目标数不超过该值时改用定向请求
	DirectAddressingThreshold int `yaml:"direct_addressing_threshold" env:"DIRECT_ADDRESSING_THRESHOLD"`
	// 默认发现方式
	DiscoveryMethod string `yaml:"discovery_method" env:"DISCOVERY_METHOD"`
	// 发现超时
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" env:"DISCOVERY_TIMEOUT"`
	// action 超时兜底，DDL 未声明时使用
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 限量选择方式: first, random
	LimitMethod string `yaml:"limit_method" env:"LIMIT_METHOD"`
	// random 选择的种子，0 表示不固定
	LimitSeed int64 `yaml:"limit_seed" env:"LIMIT_SEED"`
	// 单次发布超时
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"PUBLISH_TIMEOUT"`
	// 请求 ID 方案: hash, uuid
	RequestIDScheme string `yaml:"request_id_scheme" env:"REQUEST_ID_SCHEME"`
	// 连接不可用时的重试间隔
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// DiscoveryConfig 发现插件配置
type DiscoveryConfig struct {
	// flatfile 发现方式读取的文件
	FlatfilePath string `yaml:"flatfile_path" env:"FLATFILE_PATH"`
	// Redis 注册表
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`
	// SQL 清单
	Inventory InventoryConfig `yaml:"inventory" env:"INVENTORY"`
}

// RegistryConfig Redis 注册表配置
type RegistryConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// InventoryConfig SQL 清单配置
type InventoryConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	MaxAge   time.Duration `yaml:"max_age" env:"MAX_AGE"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// ServerConfig 节点端配置
type ServerConfig struct {
	// YAML 事实文件
	FactsFile string `yaml:"facts_file" env:"FACTS_FILE"`
	// 类列表文件
	ClassesFile string `yaml:"classes_file" env:"CLASSES_FILE"`
	// 事实与类文件的轮询间隔，0 表示不监听
	WatchInterval time.Duration `yaml:"watch_interval" env:"WATCH_INTERVAL"`
	// 并发执行的 action 上限
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// 等待执行的请求队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 每秒请求数上限，0 表示不限
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 令牌桶容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// /metrics 与 /health 的监听地址，为空则不启动
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
	// 私有 CA
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FLEETRPC",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// MainCollectiveOrDefault 返回主 collective
func (c *Config) MainCollectiveOrDefault() string {
	if c.MainCollective != "" {
		return c.MainCollective
	}
	if len(c.Collectives) > 0 {
		return c.Collectives[0]
	}
	return ""
}

// Validate 验证配置，一次报告全部问题
func (c *Config) Validate() error {
	var errs []error

	if c.Identity == "" {
		errs = append(errs, errors.New("identity is empty"))
	}
	if len(c.Collectives) == 0 {
		errs = append(errs, errors.New("at least one collective is required"))
	}
	if c.MainCollective != "" && !contains(c.Collectives, c.MainCollective) {
		errs = append(errs, fmt.Errorf("main_collective %q is not in collectives", c.MainCollective))
	}

	switch c.Connector.Type {
	case "memory", "redis":
	case "websocket":
		if c.Connector.URL == "" {
			errs = append(errs, errors.New("connector.url is required for the websocket connector"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown connector type %q", c.Connector.Type))
	}

	switch c.Security.Provider {
	case "none":
	case "jwt":
		if len(c.Security.Secret) < 16 {
			errs = append(errs, errors.New("security.secret must be at least 16 bytes for jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown security provider %q", c.Security.Provider))
	}

	if c.RPC.DefaultTTL <= 0 {
		errs = append(errs, errors.New("rpc.default_ttl must be positive"))
	}
	if c.RPC.DirectAddressingThreshold < 0 {
		errs = append(errs, errors.New("rpc.direct_addressing_threshold must not be negative"))
	}
	if c.RPC.DiscoveryMethod != "" && c.RPC.DiscoveryMethod != "mc" && !c.RPC.DirectAddressing {
		errs = append(errs, fmt.Errorf("discovery method %q needs direct addressing", c.RPC.DiscoveryMethod))
	}
	switch c.RPC.LimitMethod {
	case "first", "random":
	default:
		errs = append(errs, fmt.Errorf("unknown limit method %q", c.RPC.LimitMethod))
	}
	switch c.RPC.RequestIDScheme {
	case "", "hash", "uuid":
	default:
		errs = append(errs, fmt.Errorf("unknown request id scheme %q", c.RPC.RequestIDScheme))
	}

	if c.Server.MaxWorkers <= 0 {
		errs = append(errs, errors.New("server.max_workers must be positive"))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("server.rate_limit_rps must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
