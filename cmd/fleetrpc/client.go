package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fleetrpc/client"
	"github.com/BaSui01/fleetrpc/rpc"
)

// =============================================================================
// 📡 管理端命令
// =============================================================================

// withRuntime parses the flags, loads the configuration and runs fn with a
// runtime that is closed afterwards. Client commands keep no metrics.
func withRuntime(args []string, name string, fn func(rt *runtime, rf *rpcFlags, rest []string) error) error {
	fs, rf := newRPCFlags(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	rt := newRuntime(cfg, nil, logger)
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Debug("release resources", zap.Error(err))
		}
	}()
	return fn(rt, rf, fs.Args())
}

func runPing(ctx context.Context, args []string, w io.Writer) error {
	return withRuntime(args, "ping", func(rt *runtime, rf *rpcFlags, _ []string) error {
		return pingCommand(ctx, rt, rf, w)
	})
}

func runDiscover(ctx context.Context, args []string, w io.Writer) error {
	return withRuntime(args, "discover", func(rt *runtime, rf *rpcFlags, _ []string) error {
		return discoverCommand(ctx, rt, rf, w)
	})
}

func runCall(ctx context.Context, args []string, w io.Writer) error {
	return withRuntime(args, "call", func(rt *runtime, rf *rpcFlags, rest []string) error {
		return callCommand(ctx, rt, rf, rest, w)
	})
}

func runInventory(ctx context.Context, args []string, w io.Writer) error {
	return withRuntime(args, "inventory", func(rt *runtime, rf *rpcFlags, rest []string) error {
		return inventoryCommand(ctx, rt, rf, rest, w)
	})
}

// pingCommand broadcasts a ping and lists the nodes in answer order.
func pingCommand(ctx context.Context, rt *runtime, rf *rpcFlags, w io.Writer) error {
	f, err := rf.build()
	if err != nil {
		return err
	}
	c, err := rt.client(ctx)
	if err != nil {
		return err
	}
	timeout := rf.timeout
	if timeout <= 0 {
		timeout = rt.cfg.RPC.DiscoveryTimeout
	}

	start := time.Now()
	hosts, err := c.PingCollective(ctx, rt.cfg.MainCollectiveOrDefault(), f, timeout, 0)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if rf.json {
		return writeJSON(w, map[string]any{"hosts": hosts, "time_ms": elapsed.Milliseconds()})
	}
	for _, h := range hosts {
		fmt.Fprintln(w, h)
	}
	fmt.Fprintf(w, "\n---- ping stats ----\n%d replies in %s\n", len(hosts), elapsed.Round(time.Millisecond))
	return nil
}

// discoverCommand lists the nodes matching the filter with the configured
// discovery method.
func discoverCommand(ctx context.Context, rt *runtime, rf *rpcFlags, w io.Writer) error {
	o, err := rt.orchestrator(ctx, "rpcutil", rf.options())
	if err != nil {
		return err
	}
	if err := rf.apply(o); err != nil {
		return err
	}
	hosts, err := o.Discover(ctx)
	if err != nil {
		return err
	}
	if rf.json {
		return writeJSON(w, hosts)
	}
	for _, h := range hosts {
		fmt.Fprintln(w, h)
	}
	return nil
}

// callCommand runs `call <agent> <action> [key=value ...]` and prints the
// replies as they arrive, followed by the call statistics.
func callCommand(ctx context.Context, rt *runtime, rf *rpcFlags, rest []string, w io.Writer) error {
	if len(rest) < 2 {
		return errors.New("usage: call [options] <agent> <action> [key=value ...]")
	}
	agent, action := rest[0], rest[1]

	o, err := rt.orchestrator(ctx, agent, rf.options())
	if err != nil {
		return err
	}
	if err := rf.apply(o); err != nil {
		return err
	}
	args, err := parseArguments(o.DDL(), action, rest[2:])
	if err != nil {
		return err
	}

	var results []rpc.Result
	stats, err := o.CallWithHandler(ctx, action, args, func(r rpc.Result) {
		if rf.json {
			results = append(results, r)
			return
		}
		printResult(w, r)
	})
	if err != nil && stats == nil {
		return err
	}

	if rf.json {
		if results == nil {
			results = []rpc.Result{}
		}
		if jerr := writeJSON(w, callOutput{Results: results, Stats: stats}); jerr != nil {
			return jerr
		}
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, stats.Report(false))
	return err
}

type callOutput struct {
	Results []rpc.Result  `json:"results"`
	Stats   *client.Stats `json:"stats"`
}

// inventoryCommand prints the rpcutil inventory of one node as YAML.
func inventoryCommand(ctx context.Context, rt *runtime, rf *rpcFlags, rest []string, w io.Writer) error {
	if len(rest) != 1 {
		return errors.New("usage: inventory [options] <identity>")
	}
	o, err := rt.orchestrator(ctx, "rpcutil", rf.options())
	if err != nil {
		return err
	}
	if err := rf.apply(o); err != nil {
		return err
	}
	o.IdentityFilter(rest[0])

	results, err := o.Call(ctx, "inventory", nil)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("no inventory received from %s", rest[0])
	}
	for _, r := range results {
		if !r.OK() {
			return fmt.Errorf("%s: %s", r.Sender, r.StatusMsg)
		}
		if rf.json {
			if err := writeJSON(w, r.Data); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(w, "Inventory for %s:\n\n", r.Sender)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r.Data); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return nil
}

// printResult prints one reply: sender and status, then the data keys in
// order.
func printResult(w io.Writer, r rpc.Result) {
	status := "OK"
	if !r.OK() {
		status = r.StatusMsg
	}
	fmt.Fprintf(w, "%-40s %s\n", r.Sender, status)

	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "    %s: %s\n", k, formatValue(r.Data[k]))
	}
	if len(keys) > 0 {
		fmt.Fprintln(w)
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case []any, map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
