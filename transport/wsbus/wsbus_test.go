package wsbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/security"
	"github.com/BaSui01/fleetrpc/transport"
)

func newTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	b := NewBroker(nil, nil)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url, identity string) *Connector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url
	c := NewConnector(cfg, identity, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func encodedRequest(t *testing.T) *message.Message {
	t.Helper()
	env := &message.Env{
		Identity: "client1",
		Security: security.NewNone(security.Config{Identity: "client1", CallerID: "user=alice"}),
	}
	m, err := message.New(env, "ping", message.TypeRequest, message.Options{Agent: "rpcutil", Collective: "fleet", Filter: filter.New()})
	require.NoError(t, err)
	require.NoError(t, m.Encode())
	return m
}

func TestBrokerRelaysToSubscribers(t *testing.T) {
	b, url := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	node := connect(t, url, "web1")
	require.NoError(t, node.Subscribe(ctx, "rpcutil", transport.KindBroadcast, "fleet"))
	require.Eventually(t, func() bool {
		return b.Subscribers("fleet.agent.rpcutil") == 1
	}, time.Second, 10*time.Millisecond)

	client := connect(t, url, "client1")
	m := encodedRequest(t)
	require.NoError(t, client.Publish(ctx, m))

	f, err := node.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Raw, f.Body)
	assert.Equal(t, client.Addresser().ReplyTarget("fleet"), f.Header(message.HeaderReplyTo))
	assert.Equal(t, 2, b.Peers())
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	b, url := newTestBroker(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.URL = url
	node := NewConnector(cfg, "web1", nil)
	require.NoError(t, node.Subscribe(ctx, "", transport.KindDirected, "fleet"))
	require.NoError(t, node.Connect(ctx))
	require.Eventually(t, func() bool {
		return b.Subscribers("fleet.node.web1") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, node.Disconnect(ctx))
	require.Eventually(t, func() bool {
		return b.Subscribers("fleet.node.web1") == 0
	}, time.Second, 10*time.Millisecond)

	_, err := node.Receive(ctx)
	assert.True(t, transport.IsUnavailable(err))

	require.NoError(t, node.Connect(ctx))
	defer node.Disconnect(ctx)
	require.Eventually(t, func() bool {
		return b.Subscribers("fleet.node.web1") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1/bus"
	cfg.DialWait = 200 * time.Millisecond
	err := NewConnector(cfg, "web1", nil).Connect(context.Background())
	assert.True(t, transport.IsUnavailable(err))
}
