package rpc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fleetrpc/client"
	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/security"
	"github.com/BaSui01/fleetrpc/transport"
	"github.com/BaSui01/fleetrpc/transport/memory"
	"github.com/BaSui01/fleetrpc/types"
)

type nodeBehaviour struct {
	silent    bool
	malformed bool
	status    StatusCode
	os        string
	// delay holds back each rpcutil reply.
	delay time.Duration
	// copies sends each rpcutil reply this many times.
	copies int
}

// startNode runs a minimal rpcutil + discovery responder.
func startNode(t *testing.T, b *memory.Broker, identity string, nb nodeBehaviour) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	env := &message.Env{Identity: identity, Security: security.NewNone(security.Config{Identity: identity})}
	conn := memory.NewConnector(b, identity, nil)
	require.NoError(t, conn.Connect(ctx))
	for _, agent := range []string{"rpcutil", client.PingAgent} {
		require.NoError(t, conn.Subscribe(ctx, agent, transport.KindBroadcast, "fleet"))
		require.NoError(t, conn.Subscribe(ctx, agent, transport.KindDirected, "fleet"))
	}

	go func() {
		for {
			frame, err := conn.Receive(ctx)
			if err != nil {
				return
			}
			req := message.FromFrame(env, frame, message.TypeRequest)
			if err := req.Decode(); err != nil {
				continue
			}

			var payload any
			if req.Agent == client.PingAgent {
				payload = client.PongPayload
			} else {
				if nb.silent {
					continue
				}
				var body Request
				if err := req.DecodePayload(&body); err != nil {
					continue
				}
				switch {
				case nb.malformed:
					payload = "not a reply"
				default:
					rep := NewReply()
					if nb.status != StatusOK {
						rep.Fail(nb.status, "failed")
					}
					rep.Data["pong"] = 1
					if body.Action == "get_fact" {
						rep.Data["fact"] = body.Data["fact"]
						rep.Data["value"] = nb.os
					}
					payload = rep
				}
			}

			out, err := message.New(env, payload, message.TypeReply, message.Options{Agent: req.Agent, Request: req})
			if err != nil || out.Encode() != nil {
				continue
			}
			if req.Agent == client.PingAgent {
				_ = conn.Publish(ctx, out)
				continue
			}
			go func() {
				if nb.delay > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(nb.delay):
					}
				}
				for i := 0; i < max(nb.copies, 1); i++ {
					_ = conn.Publish(ctx, out)
				}
			}()
		}
	}()
}

type harness struct {
	broker *memory.Broker
	env    *message.Env
	client *client.Client
	engine *discovery.Engine
	store  *ddl.Store
}

func newHarness(t *testing.T, directAddressing bool) *harness {
	t.Helper()
	b := memory.NewBroker(nil)
	store := ddl.NewStore(nil, nil, 0, nil)
	env := &message.Env{
		Identity:                  "client1",
		Security:                  security.NewNone(security.Config{Identity: "client1", CallerID: "user=ops"}),
		DDL:                       store,
		DirectAddressing:          directAddressing,
		DirectAddressingThreshold: 10,
	}
	c, err := client.New(env, memory.NewConnector(b, "client1", nil), client.Config{Collective: "fleet"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	cfg := discovery.DefaultConfig()
	cfg.DirectAddressing = directAddressing
	engine := discovery.NewEngine(nil, store, cfg, nil, nil)
	require.NoError(t, engine.RegisterBuiltins(""))

	return &harness{broker: b, env: env, client: c, engine: engine, store: store}
}

func (h *harness) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o, err := New("rpcutil", Deps{Client: h.client, Discovery: h.engine, DDL: h.store}, opts)
	require.NoError(t, err)
	return o
}

func nodeNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "n" + string(rune('a'+i))
	}
	return out
}

func TestCall_AllNodesReply(t *testing.T) {
	h := newHarness(t, true)
	for _, n := range nodeNames(5) {
		startNode(t, h.broker, n, nodeBehaviour{})
	}
	o := h.orchestrator(t, Options{Timeout: 2 * time.Second, DiscoveryTimeout: 300 * time.Millisecond})

	results, err := o.Call(context.Background(), "ping", nil)
	require.NoError(t, err)

	stats := o.Stats()
	assert.Len(t, results, 5)
	assert.Equal(t, 5, stats.Discovered)
	assert.Equal(t, 5, stats.Responses())
	assert.Equal(t, 5, stats.OKCount)
	assert.Zero(t, stats.FailCount)
	assert.Empty(t, stats.NoResponseFrom)
	assert.True(t, stats.Complete())
	assert.Positive(t, stats.DiscoveryTime)
	for _, r := range results {
		assert.True(t, r.OK())
		assert.Equal(t, "ping", r.Action)
	}
}

func TestCall_PartialReplies(t *testing.T) {
	h := newHarness(t, true)
	nodes := nodeNames(5)
	for i, n := range nodes {
		startNode(t, h.broker, n, nodeBehaviour{silent: i >= 3})
	}
	o := h.orchestrator(t, Options{Timeout: 500 * time.Millisecond, DiscoveryTimeout: 300 * time.Millisecond})

	stats, err := o.CallWithHandler(context.Background(), "ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Discovered)
	assert.Equal(t, 3, stats.Responses())
	assert.Equal(t, nodes[3:], stats.NoResponseFrom)
	assert.False(t, stats.Complete())
}

func TestCall_FailuresAndMalformedReplies(t *testing.T) {
	h := newHarness(t, true)
	startNode(t, h.broker, "ok1", nodeBehaviour{})
	startNode(t, h.broker, "bad1", nodeBehaviour{status: StatusAborted})
	startNode(t, h.broker, "junk1", nodeBehaviour{malformed: true})

	o := h.orchestrator(t, Options{Timeout: time.Second, Filter: filter.New().WithIdentities([]string{"ok1", "bad1", "junk1"})})
	results, err := o.Call(context.Background(), "ping", nil)
	require.NoError(t, err)

	assert.Len(t, results, 2)
	stats := o.Stats()
	assert.Equal(t, 3, stats.Responses())
	assert.Equal(t, 1, stats.OKCount)
	assert.Equal(t, 2, stats.FailCount)
}

func TestDiscover_IdentityShortcut(t *testing.T) {
	h := newHarness(t, true)
	var pings int
	var mu sync.Mutex
	h.broker.Intercept = func(target string, _ *message.Frame) bool {
		if target == transport.BroadcastTarget("fleet", client.PingAgent) {
			mu.Lock()
			pings++
			mu.Unlock()
		}
		return true
	}

	o := h.orchestrator(t, Options{Filter: filter.New().WithIdentities([]string{"a", "b", "c"})})
	got, err := o.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	mu.Lock()
	assert.Zero(t, pings)
	mu.Unlock()
}

func TestDiscover_CachedUntilFilterChanges(t *testing.T) {
	h := newHarness(t, true)
	o := h.orchestrator(t, Options{Filter: filter.New().WithIdentity("a")})

	got, err := o.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)

	o.IdentityFilter("b")
	got, err = o.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, o.SetTargets([]string{"x"}))
	got, err = o.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)

	o.ResetFilter()
	assert.Nil(t, o.discovered)
	assert.False(t, o.forceDirect)
}

func TestPickNodesFromDiscovered(t *testing.T) {
	h := newHarness(t, true)
	hosts := []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8", "n9", "n10"}
	o := h.orchestrator(t, Options{DiscoveryMethod: "static", DiscoveryOptions: map[string]any{"hosts": hosts}})

	got, err := o.PickNodesFromDiscovered(context.Background(), Count{N: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, got)

	seed := int64(42)
	o.options.LimitMethod = LimitRandom
	o.options.LimitSeed = &seed
	a, err := o.PickNodesFromDiscovered(context.Background(), Count{N: 4})
	require.NoError(t, err)
	b, err := o.PickNodesFromDiscovered(context.Background(), Count{N: 4})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 4)
}

func TestCall_BatchWaves(t *testing.T) {
	h := newHarness(t, true)
	hosts := nodeNames(10)
	for _, n := range hosts {
		startNode(t, h.broker, n, nodeBehaviour{})
	}

	var (
		mu     sync.Mutex
		events []string
		ids    = map[string]struct{}{}
	)
	h.broker.Intercept = func(target string, f *message.Frame) bool {
		if strings.HasPrefix(target, "fleet.node.") {
			mu.Lock()
			events = append(events, "send")
			ids[f.Header(message.HeaderRequestID)] = struct{}{}
			mu.Unlock()
		}
		return true
	}

	o := h.orchestrator(t, Options{
		Timeout:          time.Second,
		DiscoveryMethod:  "static",
		DiscoveryOptions: map[string]any{"hosts": hosts},
	})
	require.NoError(t, o.SetBatch(Count{N: 3}, 10*time.Millisecond))
	o.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		events = append(events, "sleep")
		mu.Unlock()
		return sleepCtx(ctx, d)
	}

	results, err := o.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Len(t, results, 10)
	assert.True(t, o.Stats().Complete())

	mu.Lock()
	defer mu.Unlock()
	var waves []int
	n := 0
	for _, e := range events {
		if e == "sleep" {
			waves = append(waves, n)
			n = 0
			continue
		}
		n++
	}
	waves = append(waves, n)
	assert.Equal(t, []int{3, 3, 3, 1}, waves)
	assert.NotEqual(t, "sleep", events[len(events)-1])
	assert.Len(t, ids, 1, "every wave shares one request id")
}

func TestCall_BatchLateReplyDoesNotCloseNextWave(t *testing.T) {
	h := newHarness(t, true)
	startNode(t, h.broker, "na", nodeBehaviour{delay: 400 * time.Millisecond})
	startNode(t, h.broker, "nb", nodeBehaviour{})
	startNode(t, h.broker, "nc", nodeBehaviour{})
	startNode(t, h.broker, "nd", nodeBehaviour{delay: 150 * time.Millisecond})

	o := h.orchestrator(t, Options{
		Timeout:          300 * time.Millisecond,
		DiscoveryMethod:  "static",
		DiscoveryOptions: map[string]any{"hosts": []string{"na", "nb", "nc", "nd"}},
	})
	require.NoError(t, o.SetBatch(Count{N: 2}, 10*time.Millisecond))

	var senders []string
	stats, err := o.CallWithHandler(context.Background(), "ping", nil, func(r Result) {
		senders = append(senders, r.Sender)
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"nb", "nc", "nd"}, senders)
	assert.ElementsMatch(t, []string{"na", "nb", "nc", "nd"}, stats.ResponsesFrom)
	assert.Empty(t, stats.NoResponseFrom)
	assert.Equal(t, 3, stats.OKCount)
	assert.True(t, stats.Complete())
}

func TestCall_DuplicateRepliesCountOnce(t *testing.T) {
	h := newHarness(t, true)
	startNode(t, h.broker, "na", nodeBehaviour{copies: 2})
	startNode(t, h.broker, "nb", nodeBehaviour{delay: 100 * time.Millisecond})

	o := h.orchestrator(t, Options{
		Timeout:          time.Second,
		DiscoveryMethod:  "static",
		DiscoveryOptions: map[string]any{"hosts": []string{"na", "nb"}},
	})

	results, err := o.Call(context.Background(), "ping", nil)
	require.NoError(t, err)

	stats := o.Stats()
	assert.Len(t, results, 2)
	assert.ElementsMatch(t, []string{"na", "nb"}, stats.ResponsesFrom)
	assert.Empty(t, stats.NoResponseFrom)
	assert.Equal(t, 2, stats.OKCount)
	assert.Equal(t, stats.Responses(), stats.OKCount+stats.FailCount)
}

func TestCall_ZeroPercentBatchIsOneNode(t *testing.T) {
	h := newHarness(t, true)
	hosts := nodeNames(3)
	for _, n := range hosts {
		startNode(t, h.broker, n, nodeBehaviour{})
	}
	sends := 0
	var mu sync.Mutex
	h.broker.Intercept = func(target string, _ *message.Frame) bool {
		if strings.HasPrefix(target, "fleet.node.") {
			mu.Lock()
			sends++
			mu.Unlock()
		}
		return true
	}

	o := h.orchestrator(t, Options{
		Timeout:          time.Second,
		DiscoveryMethod:  "static",
		DiscoveryOptions: map[string]any{"hosts": hosts},
	})
	require.NoError(t, o.SetBatch(Count{N: 0, Percent: true}, time.Millisecond))
	pauses := 0
	o.sleep = func(ctx context.Context, d time.Duration) error {
		pauses++
		return sleepCtx(ctx, d)
	}

	results, err := o.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 2, pauses, "three single-node waves")

	mu.Lock()
	assert.Equal(t, 3, sends)
	mu.Unlock()
}

func TestCall_BatchNeedsDirectAddressing(t *testing.T) {
	h := newHarness(t, false)
	o := h.orchestrator(t, Options{BatchSize: Count{N: 2}})

	published := 0
	h.broker.Intercept = func(string, *message.Frame) bool { published++; return true }

	_, err := o.Call(context.Background(), "ping", nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Zero(t, published)

	assert.True(t, types.IsCode(o.SetBatch(Count{N: 2}, 0), types.ErrConfiguration))
	_, err = o.CustomRequest(context.Background(), "ping", nil, []string{"a"}, nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestCall_ValidationBeforeIO(t *testing.T) {
	h := newHarness(t, true)
	o := h.orchestrator(t, Options{})
	published := 0
	h.broker.Intercept = func(string, *message.Frame) bool { published++; return true }

	_, err := o.Call(context.Background(), "get_fact", nil)
	assert.True(t, types.IsCode(err, types.ErrDDLValidation))

	_, err = o.Call(context.Background(), "reboot", nil)
	assert.True(t, types.IsCode(err, types.ErrUnknownAction))
	assert.Zero(t, published)

	_, err = New("nosuch", Deps{Client: h.client, Discovery: h.engine, DDL: h.store}, Options{})
	assert.Error(t, err)
}

func TestCall_LimitedSubset(t *testing.T) {
	h := newHarness(t, true)
	hosts := nodeNames(6)
	for _, n := range hosts {
		startNode(t, h.broker, n, nodeBehaviour{})
	}
	o := h.orchestrator(t, Options{
		Timeout:          time.Second,
		DiscoveryMethod:  "static",
		DiscoveryOptions: map[string]any{"hosts": hosts},
		Limit:            Count{N: 50, Percent: true},
	})

	results, err := o.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, hosts[:3], o.Stats().DiscoveredNodes)
	assert.True(t, o.Stats().Complete())
}

func TestCall_Aggregates(t *testing.T) {
	h := newHarness(t, true)
	for i, n := range nodeNames(4) {
		os := "linux"
		if i == 3 {
			os = "bsd"
		}
		startNode(t, h.broker, n, nodeBehaviour{os: os})
	}
	o := h.orchestrator(t, Options{Timeout: time.Second, Filter: filter.New().WithIdentities(nodeNames(4))})

	_, err := o.Call(context.Background(), "get_fact", map[string]any{"fact": "os"})
	require.NoError(t, err)

	aggs := o.Stats().Aggregates
	require.Len(t, aggs, 1)
	assert.Equal(t, "value", aggs[0].Output)
	assert.Equal(t, map[string]int{"linux": 3, "bsd": 1}, aggs[0].Value)
}

func TestCall_NoReply(t *testing.T) {
	h := newHarness(t, true)
	startNode(t, h.broker, "web1", nodeBehaviour{})

	var requests int
	var mu sync.Mutex
	h.broker.Intercept = func(target string, _ *message.Frame) bool {
		if target == transport.BroadcastTarget("fleet", "rpcutil") {
			mu.Lock()
			requests++
			mu.Unlock()
		}
		return true
	}

	o := h.orchestrator(t, Options{NoReply: true})
	results, err := o.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.NotEmpty(t, o.Stats().RequestID)

	mu.Lock()
	assert.Equal(t, 1, requests)
	mu.Unlock()

	id, err := o.Send(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.NotEqual(t, o.Stats().RequestID, id)
}
