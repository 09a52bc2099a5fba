package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/config"
	"github.com/BaSui01/fleetrpc/rpc"
	"github.com/BaSui01/fleetrpc/testutil"
	"github.com/BaSui01/fleetrpc/testutil/fixtures"
	"github.com/BaSui01/fleetrpc/transport"
	"github.com/BaSui01/fleetrpc/transport/memory"
)

func testConfig(identity string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Identity = identity
	cfg.Collectives = []string{"fleet"}
	cfg.Connector.Type = "memory"
	cfg.RPC.DiscoveryTimeout = 300 * time.Millisecond
	cfg.RPC.RetryDelay = 10 * time.Millisecond
	cfg.Server.HTTPAddr = ""
	return cfg
}

// startFleetNode runs a real node on broker with the given facts file
// contents until the test ends.
func startFleetNode(t *testing.T, broker *memory.Broker, identity, facts string) {
	t.Helper()
	cfg := testConfig(identity)
	cfg.Server.FactsFile = testutil.WriteFile(t, "facts.yaml", facts)
	rt := newRuntime(cfg, nil, zap.NewNop())
	rt.broker = broker
	t.Cleanup(func() { _ = rt.Close() })

	fn, err := buildNode(context.Background(), rt)
	require.NoError(t, err)
	testutil.RunInBackground(t, fn.srv.Run)
}

// fleet starts web1 (de, linux) and db1 (fr) and returns a client runtime.
func fleet(t *testing.T) *runtime {
	t.Helper()
	broker := memory.NewBroker(nil)
	startFleetNode(t, broker, "web1", fixtures.FactsYAML)
	startFleetNode(t, broker, "db1", "country: fr\nos:\n  family: freebsd\n")
	require.True(t, testutil.WaitFor(func() bool {
		return broker.Subscribers(transport.BroadcastTarget("fleet", "rpcutil")) == 2 &&
			broker.Subscribers(transport.BroadcastTarget("fleet", "discovery")) == 2
	}, 2*time.Second))

	rt := newRuntime(testConfig("admin"), nil, zap.NewNop())
	rt.broker = broker
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestPingCommand(t *testing.T) {
	rt := fleet(t)
	var out bytes.Buffer

	require.NoError(t, pingCommand(testutil.TestContext(t), rt, &rpcFlags{}, &out))
	assert.Contains(t, out.String(), "web1\n")
	assert.Contains(t, out.String(), "db1\n")
	assert.Contains(t, out.String(), "2 replies")
}

func TestPingCommand_FactFilter(t *testing.T) {
	rt := fleet(t)
	rf := &rpcFlags{json: true}
	rf.facts = multiFlag{"country=de"}
	var out bytes.Buffer

	require.NoError(t, pingCommand(testutil.TestContext(t), rt, rf, &out))
	var got struct {
		Hosts []string `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, []string{"web1"}, got.Hosts)
}

func TestDiscoverCommand(t *testing.T) {
	rt := fleet(t)
	rf := &rpcFlags{json: true}
	rf.facts = multiFlag{"os.family=/bsd/"}
	var out bytes.Buffer

	require.NoError(t, discoverCommand(testutil.TestContext(t), rt, rf, &out))
	var hosts []string
	require.NoError(t, json.Unmarshal(out.Bytes(), &hosts))
	assert.Equal(t, []string{"db1"}, hosts)
}

func TestCallCommand(t *testing.T) {
	rt := fleet(t)
	var out bytes.Buffer

	err := callCommand(testutil.TestContext(t), rt, &rpcFlags{}, []string{"rpcutil", "get_fact", "fact=country"}, &out)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "web1")
	assert.Contains(t, s, "value: de")
	assert.Contains(t, s, "db1")
	assert.Contains(t, s, "value: fr")
	assert.Contains(t, s, "Finished processing 2 / 2 hosts")
}

func TestCallCommand_JSON(t *testing.T) {
	rt := fleet(t)
	rf := &rpcFlags{json: true}
	rf.identities = multiFlag{"web1"}
	var out bytes.Buffer

	err := callCommand(testutil.TestContext(t), rt, rf, []string{"rpcutil", "collective_info"}, &out)
	require.NoError(t, err)

	var got struct {
		Results []struct {
			Sender string         `json:"sender"`
			Data   map[string]any `json:"data"`
		} `json:"results"`
		Stats struct {
			Discovered int `json:"discovered"`
			OKCount    int `json:"okcount"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got.Results, 1)
	assert.Equal(t, "web1", got.Results[0].Sender)
	assert.Equal(t, "fleet", got.Results[0].Data["main_collective"])
	assert.Equal(t, 1, got.Stats.Discovered)
	assert.Equal(t, 1, got.Stats.OKCount)
}

func TestCallCommand_Usage(t *testing.T) {
	rt := newRuntime(testConfig("admin"), nil, zap.NewNop())
	err := callCommand(context.Background(), rt, &rpcFlags{}, []string{"rpcutil"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "usage")
}

func TestInventoryCommand(t *testing.T) {
	rt := fleet(t)
	var out bytes.Buffer

	require.NoError(t, inventoryCommand(testutil.TestContext(t), rt, &rpcFlags{}, []string{"web1"}, &out))
	s := out.String()
	assert.Contains(t, s, "Inventory for web1:")
	assert.Contains(t, s, "main_collective: fleet")
	assert.Contains(t, s, "os.family: linux")
	assert.NotContains(t, s, "db1")
}

func TestRuntime_MemoryConnectorNeedsBroker(t *testing.T) {
	rt := newRuntime(testConfig("admin"), nil, zap.NewNop())
	_, err := rt.connector()
	assert.ErrorContains(t, err, "one process")
}

func TestRuntime_UnknownSecurityProvider(t *testing.T) {
	cfg := testConfig("admin")
	cfg.Security.Provider = "kerberos"
	rt := newRuntime(cfg, nil, zap.NewNop())
	_, err := rt.env(nil)
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, rpc.Result{Sender: "web1", StatusCode: rpc.StatusOK, Data: map[string]any{"b": []any{"x", 1.0}, "a": nil}})
	assert.Equal(t, "web1                                     OK\n    a: null\n    b: [\"x\",1]\n\n", out.String())
}

func TestPrintVersionAndUsage(t *testing.T) {
	var out bytes.Buffer
	printVersion(&out)
	assert.Contains(t, out.String(), "FleetRPC "+Version)

	out.Reset()
	printUsage(&out)
	for _, cmd := range []string{"serve", "broker", "ping", "discover", "call", "inventory", "migrate"} {
		assert.Contains(t, out.String(), "  "+cmd+" ")
	}
}
