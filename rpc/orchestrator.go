package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/client"
	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/plugin"
	"github.com/BaSui01/fleetrpc/rpc/aggregate"
	"github.com/BaSui01/fleetrpc/types"
)

// DefaultTimeout is the call timeout when neither the options nor the
// agent descriptor give one.
const DefaultTimeout = 10 * time.Second

// Options tune the calls of one Orchestrator.
type Options struct {
	Collective string
	Filter     filter.Filter
	// Timeout overrides the agent descriptor's timeout for collecting
	// replies.
	Timeout          time.Duration
	DiscoveryTimeout time.Duration
	DiscoveryMethod  string
	DiscoveryOptions map[string]any
	TTL              int

	Limit       Count
	LimitMethod string
	LimitSeed   *int64

	BatchSize  Count
	BatchSleep time.Duration

	// NoReply publishes without waiting for replies.
	NoReply bool
	// ReplyTo sends replies elsewhere; the call does not wait either.
	ReplyTo string
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Client    *client.Client
	Discovery *discovery.Engine
	DDL       *ddl.Store
	// Plugins resolves aggregate functions.
	Plugins *plugin.Registry
	Logger  *zap.Logger
}

// Orchestrator runs RPC calls against the nodes hosting one agent:
// it validates the request, discovers targets, dispatches in one round or
// in batches and collects replies into Results and Stats.
//
// An Orchestrator is not safe for concurrent use.
type Orchestrator struct {
	agent   string
	desc    *ddl.DDL
	client  *client.Client
	engine  *discovery.Engine
	plugins *plugin.Registry
	options Options
	tracing *tracing
	logger  *zap.Logger

	// discovered caches the target set until Reset.
	discovered  []string
	forceDirect bool
	stats       *client.Stats

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator for agent. The agent's descriptor must be
// loadable from deps.DDL.
func New(agent string, deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Client == nil || deps.Discovery == nil || deps.DDL == nil {
		return nil, types.NewError(types.ErrConfiguration, "orchestrator needs a client, a discovery engine and a descriptor store")
	}
	desc, err := deps.DDL.Load(ddl.KindAgent, agent)
	if err != nil {
		return nil, err
	}
	if deps.Plugins == nil {
		deps.Plugins = plugin.NewRegistry(deps.Logger)
	}
	if !deps.Plugins.Has(plugin.Key("aggregate", "summary")) {
		if err := aggregate.Register(deps.Plugins); err != nil {
			return nil, err
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Collective == "" {
		opts.Collective = deps.Client.Collective()
	}
	if opts.LimitMethod == "" {
		opts.LimitMethod = LimitFirst
	}
	if opts.LimitMethod != LimitFirst && opts.LimitMethod != LimitRandom {
		return nil, types.Errorf(types.ErrConfiguration, "unknown limit method %q", opts.LimitMethod)
	}

	o := &Orchestrator{
		agent:   agent,
		desc:    desc,
		client:  deps.Client,
		engine:  deps.Discovery,
		plugins: deps.Plugins,
		options: opts,
		tracing: newTracing(),
		logger:  logger.With(zap.String("component", "rpc"), zap.String("agent", agent)),
		stats:   client.NewStats(),
		sleep:   sleepCtx,
	}
	if opts.DiscoveryMethod != "" {
		if err := o.engine.SetMethod(opts.DiscoveryMethod); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Agent returns the agent name.
func (o *Orchestrator) Agent() string { return o.agent }

// DDL returns the agent descriptor.
func (o *Orchestrator) DDL() *ddl.DDL { return o.desc }

// Stats returns the statistics of the last call.
func (o *Orchestrator) Stats() *client.Stats { return o.stats }

// Filter returns the current filter.
func (o *Orchestrator) Filter() filter.Filter { return o.options.Filter.Clone() }

// Reset forgets the cached target set.
func (o *Orchestrator) Reset() {
	o.discovered = nil
	o.forceDirect = false
}

// ============================================================
// 过滤器修改：任何修改都会使缓存的目标集失效
// ============================================================

// SetFilter replaces the filter.
func (o *Orchestrator) SetFilter(f filter.Filter) {
	o.options.Filter = f.Clone()
	o.Reset()
}

// FactFilter adds a fact comparison.
func (o *Orchestrator) FactFilter(fact, operator, value string) {
	o.SetFilter(o.options.Filter.WithFact(fact, operator, value))
}

// ClassFilter adds a class.
func (o *Orchestrator) ClassFilter(class string) {
	o.SetFilter(o.options.Filter.WithClass(class))
}

// IdentityFilter adds an identity.
func (o *Orchestrator) IdentityFilter(identity string) {
	o.SetFilter(o.options.Filter.WithIdentity(identity))
}

// AgentFilter adds an agent.
func (o *Orchestrator) AgentFilter(agent string) {
	o.SetFilter(o.options.Filter.WithAgent(agent))
}

// CompoundFilter parses and adds a compound expression.
func (o *Orchestrator) CompoundFilter(expr string) error {
	parsed, err := filter.ParseCompound(expr)
	if err != nil {
		return err
	}
	o.SetFilter(o.options.Filter.WithCompound(parsed))
	return nil
}

// ResetFilter clears the filter.
func (o *Orchestrator) ResetFilter() {
	o.SetFilter(filter.New())
}

// SetDiscoveryMethod switches the discovery method and forgets the
// cached target set.
func (o *Orchestrator) SetDiscoveryMethod(name string, opts map[string]any) error {
	if err := o.engine.SetMethod(name); err != nil {
		return err
	}
	o.options.DiscoveryMethod = name
	o.options.DiscoveryOptions = opts
	o.Reset()
	return nil
}

// SetLimit limits calls to a subset of the discovered nodes.
func (o *Orchestrator) SetLimit(c Count, method string) error {
	if method == "" {
		method = o.options.LimitMethod
	}
	if method != LimitFirst && method != LimitRandom {
		return types.Errorf(types.ErrConfiguration, "unknown limit method %q", method)
	}
	o.options.Limit = c
	o.options.LimitMethod = method
	return nil
}

// SetBatch enables batch mode. A zero size disables it.
func (o *Orchestrator) SetBatch(size Count, sleep time.Duration) error {
	if !size.IsZero() && !o.client.Env().DirectAddressing {
		return types.NewError(types.ErrConfiguration, "batch mode needs direct addressing")
	}
	o.options.BatchSize = size
	o.options.BatchSleep = sleep
	return nil
}

// SetTargets replaces discovery with an explicit target list. Calls are
// sent as direct requests until Reset.
func (o *Orchestrator) SetTargets(hosts []string) error {
	if !o.client.Env().DirectAddressing {
		return types.NewError(types.ErrConfiguration, "explicit targets need direct addressing")
	}
	o.discovered = append([]string{}, hosts...)
	o.forceDirect = true
	return nil
}

// ============================================================
// 发现
// ============================================================

// Discover returns the target set, running discovery on first use. An
// identity-only filter under the mc method is its own target set.
func (o *Orchestrator) Discover(ctx context.Context) ([]string, error) {
	if o.discovered != nil {
		return append([]string(nil), o.discovered...), nil
	}

	start := time.Now()
	f := o.options.Filter

	var hosts []string
	if f.IdentityOnly() && o.engine.Method() == discovery.MethodMC {
		hosts = unique(f.Identities)
		o.logger.Debug("using identity filter as target list", zap.Strings("hosts", hosts))
	} else {
		limit := 0
		if o.options.LimitMethod == LimitFirst && !o.options.Limit.Percent {
			limit = o.options.Limit.N
		}
		found, err := o.engine.Discover(ctx, discovery.Request{
			Filter:     f.WithAgent(o.agent),
			Collective: o.options.Collective,
			Timeout:    o.options.DiscoveryTimeout,
			Limit:      limit,
			Options:    o.options.DiscoveryOptions,
			Pinger:     o.client.Pinger(o.options.Collective),
		})
		if err != nil {
			return nil, err
		}
		hosts = found
	}
	if hosts == nil {
		hosts = []string{}
	}

	o.stats.TimeDiscovery(time.Since(start))
	o.discovered = hosts
	return append([]string(nil), hosts...), nil
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// PickNodesFromDiscovered selects count nodes from the cached target set
// with the configured limit method and seed.
func (o *Orchestrator) PickNodesFromDiscovered(ctx context.Context, count Count) ([]string, error) {
	hosts, err := o.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return PickNodes(hosts, count, o.options.LimitMethod, o.options.LimitSeed)
}

// ============================================================
// 调用
// ============================================================

// Handler receives every result of a call as it arrives.
type Handler func(Result)

// Call runs action on the targets and returns every result. Statistics
// are available from Stats afterwards. With NoReply or ReplyTo set the
// request is only published and no results are returned.
func (o *Orchestrator) Call(ctx context.Context, action string, args map[string]any) ([]Result, error) {
	var results []Result
	_, err := o.call(ctx, action, args, nil, func(r Result) {
		results = append(results, r)
	})
	return results, err
}

// CallWithHandler runs action and hands each result to h instead of
// accumulating them.
func (o *Orchestrator) CallWithHandler(ctx context.Context, action string, args map[string]any, h Handler) (*client.Stats, error) {
	return o.call(ctx, action, args, nil, h)
}

// CustomRequest runs action as a direct request to exactly hosts,
// bypassing discovery.
func (o *Orchestrator) CustomRequest(ctx context.Context, action string, args map[string]any, hosts []string, h Handler) (*client.Stats, error) {
	if len(hosts) == 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "custom request needs at least one host")
	}
	if !o.client.Env().DirectAddressing {
		return nil, types.NewError(types.ErrConfiguration, "custom requests need direct addressing")
	}
	return o.call(ctx, action, args, hosts, h)
}

// Send publishes action without collecting replies and returns the
// request id.
func (o *Orchestrator) Send(ctx context.Context, action string, args map[string]any) (string, error) {
	data, err := o.desc.ValidateRequest(action, args)
	if err != nil {
		return "", err
	}
	return o.send(ctx, action, data, nil)
}

func (o *Orchestrator) send(ctx context.Context, action string, data map[string]any, hosts []string) (string, error) {
	if hosts == nil && o.forceDirect {
		hosts = o.discovered
	}
	m, err := o.request(action, data, hosts, len(hosts) > 0, "")
	if err != nil {
		return "", err
	}
	if o.options.ReplyTo != "" {
		if err := m.SetReplyTo(o.options.ReplyTo); err != nil {
			return "", err
		}
	}
	id, err := o.client.Publish(ctx, m)
	if err != nil {
		return "", err
	}
	o.logger.Info("request sent without waiting for replies",
		zap.String("request_id", id), zap.String("action", action), zap.String("reply_to", o.options.ReplyTo))
	return id, nil
}

// request builds the request message for one wave.
func (o *Orchestrator) request(action string, data map[string]any, hosts []string, direct bool, requestID string) (*message.Message, error) {
	if data == nil {
		data = map[string]any{}
	}
	m, err := o.client.NewRequest(Request{Action: action, Data: data}, client.SendOptions{
		Agent:           o.agent,
		Collective:      o.options.Collective,
		Filter:          o.options.Filter,
		TTL:             o.options.TTL,
		DiscoveredHosts: hosts,
		RequestID:       requestID,
	})
	if err != nil {
		return nil, err
	}
	if direct {
		if err := m.SetType(message.TypeDirectRequest); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (o *Orchestrator) callTimeout() time.Duration {
	if o.options.Timeout > 0 {
		return o.options.Timeout
	}
	if t := o.desc.Timeout(); t > 0 {
		return t
	}
	return DefaultTimeout
}

func (o *Orchestrator) call(ctx context.Context, action string, args map[string]any, hosts []string, h Handler) (stats *client.Stats, err error) {
	// 所有校验与配置错误都在网络 I/O 之前返回
	data, err := o.desc.ValidateRequest(action, args)
	if err != nil {
		return nil, err
	}
	act, err := o.desc.ActionInterface(action)
	if err != nil {
		return nil, err
	}
	env := o.client.Env()
	if !o.options.BatchSize.IsZero() && !env.DirectAddressing {
		return nil, types.NewError(types.ErrConfiguration, "batch mode needs direct addressing")
	}

	o.stats.Reset()
	stats = o.stats

	if o.options.NoReply || o.options.ReplyTo != "" {
		id, err := o.send(ctx, action, data, hosts)
		stats.RequestID = id
		return stats, err
	}

	start := time.Now()
	ctx, span := o.tracing.start(ctx, o.agent, action)
	defer func() {
		o.tracing.end(ctx, span, o.agent, action, stats.Discovered, stats.Responses(), len(stats.NoResponseFrom), time.Since(start), err)
		o.client.Metrics().RecordCall(o.agent, action, time.Since(start), len(stats.NoResponseFrom))
	}()

	direct := o.forceDirect
	if hosts != nil {
		direct = true
	} else {
		hosts, err = o.Discover(ctx)
		if err != nil {
			return stats, err
		}
	}

	limited := false
	if !o.options.Limit.IsZero() {
		picked, err := PickNodes(hosts, o.options.Limit, o.options.LimitMethod, o.options.LimitSeed)
		if err != nil {
			return stats, err
		}
		limited = len(picked) < len(hosts)
		hosts = picked
	}
	stats.DiscoveredAgents(hosts)

	if len(hosts) == 0 {
		o.logger.Info("no nodes discovered, nothing sent", zap.String("action", action))
		stats.FinishRequest()
		return stats, nil
	}

	aggs := aggregate.NewSet(o.plugins, act.Aggregate, o.logger)
	handle := o.replyHandler(action, stats, aggs, h)
	timeout := o.callTimeout()

	batch := 0
	if !o.options.BatchSize.IsZero() {
		batch = o.options.BatchSize.batchOf(len(hosts))
	}

	if batch > 0 {
		err = o.batched(ctx, action, data, hosts, batch, timeout, stats, handle)
	} else {
		err = o.single(ctx, action, data, hosts, direct, limited, timeout, stats, handle)
	}

	stats.FinishRequest()
	if aggs.Len() > 0 {
		stats.Aggregates = aggs.Summarize()
	}
	o.logger.Debug("call finished",
		zap.String("request_id", stats.RequestID),
		zap.String("action", action),
		zap.Int("discovered", stats.Discovered),
		zap.Int("responses", stats.Responses()),
		zap.Strings("no_response_from", stats.NoResponseFrom))
	return stats, err
}

// single dispatches one request to the whole target set. A limited set
// goes out as a direct request when possible, otherwise as a broadcast
// scoped to exactly those identities.
func (o *Orchestrator) single(ctx context.Context, action string, data map[string]any, hosts []string, direct, limited bool, timeout time.Duration, stats *client.Stats, handle client.Handler) error {
	env := o.client.Env()
	useDirect := direct || (limited && env.DirectAddressing)

	m, err := o.request(action, data, hosts, useDirect, "")
	if err != nil {
		return err
	}
	if limited && !useDirect {
		m.Filter = m.Filter.WithIdentities(hosts)
	}

	_, err = o.client.CallAndCollect(ctx, m, client.CollectOptions{
		Hosts:   hosts,
		Timeout: timeout,
		Stats:   stats,
	}, handle)
	return err
}

// batched dispatches direct requests wave by wave. Every wave shares the
// request id of the first one, so each wave waits for its own hosts only.
// The sleep only happens between waves.
func (o *Orchestrator) batched(ctx context.Context, action string, data map[string]any, hosts []string, size int, timeout time.Duration, stats *client.Stats, handle client.Handler) error {
	waves := Batches(hosts, size)
	requestID := ""

	for i, wave := range waves {
		if i > 0 {
			if err := o.sleep(ctx, o.options.BatchSleep); err != nil {
				stats.Interrupted = true
				o.logger.Info("batched call interrupted between waves", zap.Int("wave", i), zap.Int("waves", len(waves)))
				return nil
			}
		}

		m, err := o.request(action, data, wave, true, requestID)
		if err != nil {
			return err
		}
		o.logger.Debug("dispatching wave",
			zap.Int("wave", i+1), zap.Int("waves", len(waves)), zap.Int("hosts", len(wave)))

		if _, err := o.client.CallAndCollect(ctx, m, client.CollectOptions{
			Hosts:   wave,
			Timeout: timeout,
			Stats:   stats,
		}, handle); err != nil {
			return err
		}
		requestID = stats.RequestID
		if stats.Interrupted {
			return nil
		}
	}
	return nil
}

// replyHandler turns replies into Results, counts them and feeds the
// aggregate functions. A malformed reply is counted as a failure and not
// passed on.
func (o *Orchestrator) replyHandler(action string, stats *client.Stats, aggs *aggregate.Set, h Handler) client.Handler {
	defaults := o.desc.ReplyDefaults(action)
	metrics := o.client.Metrics()

	return func(m *message.Message) {
		var rep Reply
		if err := m.DecodePayload(&rep); err != nil {
			o.logger.Warn("dropping malformed reply",
				zap.String("sender", m.SenderID), zap.String("request_id", m.RequestID), zap.Error(err))
			stats.Fail()
			metrics.RecordReply(o.agent, "malformed")
			return
		}

		res := Result{
			Agent:      o.agent,
			Action:     action,
			Sender:     m.SenderID,
			StatusCode: rep.StatusCode,
			StatusMsg:  rep.StatusMsg,
			Data:       make(map[string]any, len(defaults)+len(rep.Data)),
		}
		for k, v := range defaults {
			res.Data[k] = v
		}
		for k, v := range rep.Data {
			res.Data[k] = v
		}

		metrics.RecordReply(o.agent, rep.StatusCode.String())
		if res.OK() {
			stats.OK()
			aggs.Process(res.Data)
		} else {
			stats.Fail()
		}
		if h != nil {
			h(res)
		}
	}
}
