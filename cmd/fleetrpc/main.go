// =============================================================================
// FleetRPC 主入口
// =============================================================================
// 节点守护进程、websocket 总线与管理端命令
//
// 使用方法:
//
//	fleetrpc serve --config fleet.yaml            # 启动节点
//	fleetrpc broker                               # 启动 websocket 总线
//	fleetrpc ping -F os=linux                     # 广播 ping
//	fleetrpc discover -C role::web                # 列出匹配节点
//	fleetrpc call package install package=nginx   # 调用 action
//	fleetrpc inventory web1                       # 查看节点清单
//	fleetrpc migrate up                           # 运行清单库迁移
// =============================================================================

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/fleetrpc/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "broker":
		err = runBroker(ctx, args)
	case "ping":
		err = runPing(ctx, args, os.Stdout)
	case "discover":
		err = runDiscover(ctx, args, os.Stdout)
	case "call":
		err = runCall(ctx, args, os.Stdout)
	case "inventory":
		err = runInventory(ctx, args, os.Stdout)
	case "migrate":
		err = runMigrate(ctx, args, os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		stop()
		os.Exit(1)
	}
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetrpc %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "FleetRPC %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `FleetRPC - fleet RPC orchestration

Usage:
  fleetrpc <command> [options]

Commands:
  serve       Run a node: answer requests for the built-in agents
  broker      Run the websocket bus
  ping        Broadcast a ping and list the nodes that answer
  discover    List the nodes matching a filter
  call        Call an action: call <agent> <action> [key=value ...]
  inventory   Show the inventory of one node
  migrate     Inventory database migrations (up, down, force, version, status)
  version     Show version information
  help        Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Filter options (ping, discover, call):
  -F fact=value     Fact filter, operators == = != < > <= >= =~
  -C class          Class filter, /regex/ allowed
  -I identity       Identity filter, /regex/ allowed
  -A agent          Agent filter
  -S expression     Compound filter, e.g. "role::web and not fact('os').value=bsd"

Call options:
  --dm <method>       Discovery method (mc, flatfile, static, registry, inventory)
  --limit <n|n%>      Call at most n nodes or a percentage of them
  --batch <n|n%>      Call in waves of n nodes
  --batch-sleep <d>   Pause between waves
  --timeout <d>       Reply timeout
  --json              Print results as JSON

Examples:
  fleetrpc serve --config /etc/fleetrpc/fleet.yaml
  fleetrpc ping -C role::web
  fleetrpc call -F country=de --batch 10 rpcutil get_fact fact=os
  fleetrpc migrate status`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
