package message_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/security"
	"github.com/BaSui01/fleetrpc/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newEnv(t *testing.T, matcher security.FilterMatcher) (*message.Env, *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1700000000, 0)}
	sec := security.NewNone(security.Config{
		Identity: "client1",
		CallerID: "user=alice",
		Matcher:  matcher,
		Now:      c.Now,
	})
	return &message.Env{
		Identity:                  "client1",
		Security:                  sec,
		DDL:                       ddl.NewStore(nil, nil, 0, nil),
		DirectAddressing:          true,
		DirectAddressingThreshold: 3,
		DefaultTTL:                60,
		Now:                       c.Now,
	}, c
}

func request(t *testing.T, env *message.Env, f filter.Filter, ttl int) *message.Message {
	t.Helper()
	m, err := message.New(env, map[string]any{"action": "ping"}, message.TypeRequest, message.Options{
		Agent: "rpcutil", Collective: "fleet", Filter: f, TTL: ttl,
	})
	require.NoError(t, err)
	return m
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	env, _ := newEnv(t, nil)
	expr, err := filter.ParseCompound("fact('os').value=linux or web")
	require.NoError(t, err)
	f := filter.New().WithFact("country", "==", "de").WithClass("/^web/").WithCompound(expr)

	out := request(t, env, f, 30)
	require.NoError(t, out.Encode())
	require.NotEmpty(t, out.RequestID)

	in := message.FromFrame(env, &message.Frame{Body: out.Raw}, message.TypeRequest)
	require.NoError(t, in.Decode())

	assert.Equal(t, out.Agent, in.Agent)
	assert.Equal(t, out.Collective, in.Collective)
	assert.Equal(t, out.Filter, in.Filter)
	assert.Equal(t, out.TTL, in.TTL)
	assert.Equal(t, out.RequestID, in.RequestID)
	assert.Equal(t, "user=alice", in.CallerID)
	assert.Equal(t, env.Now(), in.MsgTime)

	var payload map[string]string
	require.NoError(t, in.DecodePayload(&payload))
	assert.Equal(t, "ping", payload["action"])
}

func TestEncode_KeepsPresetRequestID(t *testing.T) {
	env, _ := newEnv(t, nil)
	m, err := message.New(env, nil, message.TypeRequest, message.Options{Agent: "rpcutil", RequestID: "fixed"})
	require.NoError(t, err)
	require.NoError(t, m.Encode())
	assert.Equal(t, "fixed", m.RequestID)
}

func TestEncode_Reply(t *testing.T) {
	env, _ := newEnv(t, nil)

	orphan, err := message.New(env, "pong", message.TypeReply, message.Options{Agent: "rpcutil"})
	require.NoError(t, err)
	assert.True(t, types.IsCode(orphan.Encode(), types.ErrPreconditionFailed))

	req := request(t, env, filter.New(), 0)
	require.NoError(t, req.Encode())
	decoded := message.FromFrame(env, &message.Frame{Body: req.Raw}, message.TypeRequest)
	require.NoError(t, decoded.Decode())

	reply, err := message.New(env, "pong", message.TypeReply, message.Options{Agent: "rpcutil", Request: decoded})
	require.NoError(t, err)
	require.NoError(t, reply.Encode())
	assert.Equal(t, req.RequestID, reply.RequestID)

	decoded.CallerID = "forged caller"
	forged, err := message.New(env, "pong", message.TypeReply, message.Options{Agent: "rpcutil", Request: decoded})
	require.NoError(t, err)
	assert.True(t, types.IsCode(forged.Encode(), types.ErrSecurityValidation))
}

func TestEncode_CompoundNeedsDataPlugins(t *testing.T) {
	env, _ := newEnv(t, nil)

	expr, err := filter.ParseCompound("weather('x').temp>20")
	require.NoError(t, err)
	m := request(t, env, filter.New().WithCompound(expr), 0)
	assert.True(t, types.IsCode(m.Encode(), types.ErrDDLValidation))

	expr, err = filter.ParseCompound("fact('os').colour=red")
	require.NoError(t, err)
	m = request(t, env, filter.New().WithCompound(expr), 0)
	assert.True(t, types.IsCode(m.Encode(), types.ErrDDLValidation))
}

func TestEncodeDecode_UnsupportedTypes(t *testing.T) {
	env, _ := newEnv(t, nil)
	m, err := message.New(env, "x", message.TypeMessage, message.Options{})
	require.NoError(t, err)
	assert.True(t, types.IsCode(m.Encode(), types.ErrUnsupportedOperation))
	assert.True(t, types.IsCode(m.Decode(), types.ErrUnsupportedOperation))
	assert.True(t, types.IsCode(m.Validate(context.Background()), types.ErrUnsupportedOperation))
}

func TestDecode_RejectsForgedCallerOnRequests(t *testing.T) {
	env, _ := newEnv(t, nil)
	sec := security.NewNone(security.Config{Identity: "evil", CallerID: "not a caller"})
	raw, err := sec.EncodeRequest("evil", "x", "r1", filter.New(), "rpcutil", "fleet", 60)
	require.NoError(t, err)

	m := message.FromFrame(env, &message.Frame{Body: raw}, message.TypeRequest)
	assert.True(t, types.IsCode(m.Decode(), types.ErrSecurityValidation))

	m = message.FromFrame(env, &message.Frame{Body: []byte("garbage")}, message.TypeReply)
	assert.True(t, types.IsCode(m.Decode(), types.ErrSecurityValidation))
}

func TestSetType_DirectRequest(t *testing.T) {
	env, _ := newEnv(t, nil)

	_, err := message.New(env, nil, message.TypeDirectRequest, message.Options{Agent: "rpcutil"})
	assert.True(t, types.IsCode(err, types.ErrInvalidStateTransition))

	env.DirectAddressing = false
	_, err = message.New(env, nil, message.TypeDirectRequest, message.Options{DiscoveredHosts: []string{"a"}})
	assert.True(t, types.IsCode(err, types.ErrInvalidStateTransition))

	env.DirectAddressing = true
	m, err := message.New(env, nil, message.TypeDirectRequest, message.Options{DiscoveredHosts: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, message.TypeDirectRequest, m.Type)
	assert.Equal(t, 1, m.ExpectedReplies())
}

func TestSetReplyTo(t *testing.T) {
	env, _ := newEnv(t, nil)
	req := request(t, env, filter.New(), 0)
	require.NoError(t, req.SetReplyTo("fleet.reply.custom"))
	assert.Equal(t, "fleet.reply.custom", req.ReplyTo)

	reply, err := message.New(env, nil, message.TypeReply, message.Options{})
	require.NoError(t, err)
	assert.True(t, types.IsCode(reply.SetReplyTo("x"), types.ErrInvalidStateTransition))
}

type identityMatcher string

func (id identityMatcher) Match(_ context.Context, f filter.Filter) bool {
	if len(f.Identities) == 0 {
		return true
	}
	for _, i := range f.Identities {
		if i == string(id) {
			return true
		}
	}
	return false
}

func TestValidate_Expired(t *testing.T) {
	env, c := newEnv(t, identityMatcher("web1"))

	sent := c.Now().Add(-10 * time.Second)
	c.Set(sent)
	out := request(t, env, filter.New(), 5)
	require.NoError(t, out.Encode())
	c.Set(sent.Add(10 * time.Second))

	in := message.FromFrame(env, &message.Frame{Body: out.Raw}, message.TypeRequest)
	require.NoError(t, in.Decode())
	err := in.Validate(context.Background())
	assert.True(t, types.IsCode(err, types.ErrMessageExpired))
	assert.False(t, in.Validated())
	assert.Equal(t, uint64(1), env.Counters.Expired.Load())
}

func TestValidate_NotTargetedAndIdempotent(t *testing.T) {
	env, _ := newEnv(t, identityMatcher("web1"))
	ctx := context.Background()

	out := request(t, env, filter.New().WithIdentity("db1"), 60)
	require.NoError(t, out.Encode())
	in := message.FromFrame(env, &message.Frame{Body: out.Raw}, message.TypeRequest)
	require.NoError(t, in.Decode())
	assert.True(t, types.IsCode(in.Validate(ctx), types.ErrNotTargeted))
	assert.Equal(t, uint64(1), env.Counters.NotTargeted.Load())

	out = request(t, env, filter.New().WithIdentity("web1"), 60)
	require.NoError(t, out.Encode())
	in = message.FromFrame(env, &message.Frame{Body: out.Raw}, message.TypeRequest)
	require.NoError(t, in.Decode())
	require.NoError(t, in.Validate(ctx))
	require.NoError(t, in.Validate(ctx))
	assert.True(t, in.Validated())
	assert.Equal(t, uint64(1), env.Counters.Validated.Load())
}

type recordingPublisher struct {
	types    []message.Type
	deadline bool
}

func (p *recordingPublisher) Publish(ctx context.Context, m *message.Message) error {
	_, p.deadline = ctx.Deadline()
	p.types = append(p.types, m.Type)
	return nil
}

func TestPublish_PromotesSmallHostLists(t *testing.T) {
	env, _ := newEnv(t, nil)
	pub := &recordingPublisher{}
	ctx := context.Background()

	small := request(t, env, filter.New(), 0)
	small.SetDiscoveredHosts([]string{"a", "b", "c"})
	require.NoError(t, small.Publish(ctx, pub))

	large := request(t, env, filter.New(), 0)
	large.SetDiscoveredHosts([]string{"a", "b", "c", "d"})
	require.NoError(t, large.Publish(ctx, pub))

	plain := request(t, env, filter.New(), 0)
	require.NoError(t, plain.Publish(ctx, pub))

	assert.Equal(t, []message.Type{message.TypeDirectRequest, message.TypeRequest, message.TypeRequest}, pub.types)
	assert.True(t, pub.deadline)

	env.DirectAddressing = false
	off := request(t, env, filter.New(), 0)
	off.SetDiscoveredHosts([]string{"a"})
	require.NoError(t, off.Publish(ctx, pub))
	assert.Equal(t, message.TypeRequest, pub.types[3])
}

func TestRequestIDs(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := message.HashRequestID("client1", now, "rpcutil", "fleet")
	assert.Len(t, a, 32)
	assert.Equal(t, a, message.HashRequestID("client1", now, "rpcutil", "fleet"))
	assert.NotEqual(t, a, message.HashRequestID("client1", now.Add(time.Nanosecond), "rpcutil", "fleet"))
	assert.NotEqual(t, a, message.HashRequestID("client2", now, "rpcutil", "fleet"))

	u := message.UUIDRequestID()
	assert.Len(t, u, 32)
	assert.NotEqual(t, u, message.UUIDRequestID())
}
