// Package client sends requests over a connector and correlates replies
// with them. A reply is only ever handed to the caller waiting on its
// request id; everything else read from the bus is logged and dropped.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/discovery"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/internal/ctxkeys"
	"github.com/BaSui01/fleetrpc/internal/metrics"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/transport"
	"github.com/BaSui01/fleetrpc/types"
)

// Ping round constants.
const (
	PingAgent   = "discovery"
	PingPayload = "ping"
	PongPayload = "pong"
)

// Config configures a Client.
type Config struct {
	// Collective is used when a request names none.
	Collective string
	// RetryDelay is the pause after the connector reports it is
	// temporarily unavailable.
	RetryDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Collective: "fleetrpc",
		RetryDelay: 250 * time.Millisecond,
	}
}

// Client is the request/reply correlator. Receive must not be called by
// more than one goroutine at a time; replies read by one waiter for
// another request are dropped, never rerouted.
type Client struct {
	env     *message.Env
	conn    transport.Connector
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]struct{}
	recvMu        sync.Mutex
}

// New creates a client. collector may be nil.
func New(env *message.Env, conn transport.Connector, cfg Config, collector *metrics.Collector, logger *zap.Logger) (*Client, error) {
	if env == nil || env.Security == nil {
		return nil, types.NewError(types.ErrConfiguration, "client needs a message environment with a security provider")
	}
	if conn == nil {
		return nil, types.NewError(types.ErrConfiguration, "client needs a connector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Collective == "" {
		cfg.Collective = def.Collective
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Client{
		env:           env,
		conn:          conn,
		config:        cfg,
		metrics:       collector,
		logger:        logger.With(zap.String("component", "client")),
		subscriptions: make(map[string]struct{}),
	}, nil
}

// Env returns the message environment.
func (c *Client) Env() *message.Env { return c.env }

// Collective returns the default collective.
func (c *Client) Collective() string { return c.config.Collective }

// Metrics returns the collector, possibly nil.
func (c *Client) Metrics() *metrics.Collector { return c.metrics }

// Connect connects the connector.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect drops every reply subscription and disconnects.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.subscriptions = make(map[string]struct{})
	c.mu.Unlock()
	return c.conn.Disconnect(ctx)
}

// subscribe joins the reply target for agent in collective once per
// client lifetime.
func (c *Client) subscribe(ctx context.Context, agent, collective string) error {
	key := collective + "/" + agent

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[key]; ok {
		return nil
	}
	if err := c.conn.Subscribe(ctx, agent, transport.KindReply, collective); err != nil {
		return err
	}
	c.subscriptions[key] = struct{}{}
	return nil
}

// SendOptions describe a request built from a raw payload.
type SendOptions struct {
	Agent      string
	Collective string
	Filter     filter.Filter
	// TTL overrides the configured default.
	TTL             int
	DiscoveredHosts []string
	RequestID       string
	ReplyTo         string
}

// NewRequest wraps payload in a request message.
func (c *Client) NewRequest(payload any, opts SendOptions) (*message.Message, error) {
	if opts.Agent == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "request needs an agent")
	}
	if opts.Collective == "" {
		opts.Collective = c.config.Collective
	}
	m, err := message.New(c.env, payload, message.TypeRequest, message.Options{
		Agent:           opts.Agent,
		Collective:      opts.Collective,
		Filter:          opts.Filter,
		TTL:             opts.TTL,
		DiscoveredHosts: opts.DiscoveredHosts,
		RequestID:       opts.RequestID,
	})
	if err != nil {
		return nil, err
	}
	if opts.ReplyTo != "" {
		if err := m.SetReplyTo(opts.ReplyTo); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Send builds a request from payload and publishes it.
func (c *Client) Send(ctx context.Context, payload any, opts SendOptions) (string, error) {
	m, err := c.NewRequest(payload, opts)
	if err != nil {
		return "", err
	}
	return c.Publish(ctx, m)
}

// Publish encodes m if needed, makes sure replies to it can be received
// and publishes it. It returns the request id.
func (c *Client) Publish(ctx context.Context, m *message.Message) (string, error) {
	if len(m.Raw) == 0 {
		if err := m.Encode(); err != nil {
			return "", err
		}
	}
	// replies to a custom target are read by someone else
	if m.ReplyTo == "" {
		if err := c.subscribe(ctx, m.Agent, m.Collective); err != nil {
			return "", err
		}
	}
	if err := m.Publish(ctx, c.conn); err != nil {
		return "", err
	}
	c.metrics.RecordPublish(m.Agent, string(m.Type))
	c.logger.Debug("request published",
		zap.String("request_id", m.RequestID),
		zap.String("agent", m.Agent),
		zap.String("collective", m.Collective),
		zap.String("type", string(m.Type)),
		zap.Int("hosts", len(m.DiscoveredHosts)))
	return m.RequestID, nil
}

// Receive blocks until a reply to requestID arrives or ctx ends. Replies
// that fail decoding or security validation, and replies to other
// requests, are dropped and the wait continues.
func (c *Client) Receive(ctx context.Context, requestID string) (*message.Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	ctx = ctxkeys.WithRequestID(ctx, requestID)
	for {
		frame, err := c.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if transport.IsUnavailable(err) {
				c.logger.Warn("connector unavailable, retrying", zap.Error(err), zap.Duration("delay", c.config.RetryDelay))
				if err := sleep(ctx, c.config.RetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		m := message.FromFrame(c.env, frame, message.TypeReply)
		if err := m.Decode(); err != nil {
			c.logger.Warn("dropping reply that failed validation",
				zap.String("request_id", frame.Header(message.HeaderRequestID)),
				zap.Error(err))
			c.metrics.RecordRejected(frame.Header(message.HeaderType), "security")
			continue
		}
		if m.RequestID != requestID {
			c.logger.Debug("dropping reply to another request",
				zap.String("expected", requestID),
				zap.String("request_id", m.RequestID),
				zap.String("sender", m.SenderID))
			c.metrics.RecordRejected(m.Agent, "stray")
			continue
		}
		return m, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isStop reports whether err ends a collection loop gracefully.
func isStop(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// DiscoverViaPing broadcasts a ping in the default collective. See
// PingCollective.
func (c *Client) DiscoverViaPing(ctx context.Context, f filter.Filter, timeout time.Duration, limit int) ([]string, error) {
	return c.PingCollective(ctx, c.config.Collective, f, timeout, limit)
}

// PingCollective broadcasts a ping to collective and collects the
// identities of the nodes that answer until limit distinct nodes replied
// (when limit > 0) or timeout elapsed. Reaching the timeout is not an
// error; the identities collected so far are returned sorted.
func (c *Client) PingCollective(ctx context.Context, collective string, f filter.Filter, timeout time.Duration, limit int) ([]string, error) {
	if limit < 0 {
		return nil, types.Errorf(types.ErrInvalidArgument, "limit must not be negative, got %d", limit)
	}
	id, err := c.Send(ctx, PingPayload, SendOptions{
		Agent:      PingAgent,
		Collective: collective,
		Filter:     f,
	})
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	seen := make(map[string]struct{})
	hosts := []string{}
	for limit == 0 || len(hosts) < limit {
		reply, err := c.Receive(ctx, id)
		if err != nil {
			if isStop(err) {
				break
			}
			return nil, err
		}
		if _, ok := seen[reply.SenderID]; ok {
			continue
		}
		seen[reply.SenderID] = struct{}{}
		hosts = append(hosts, reply.SenderID)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Pinger binds the ping round to collective for the discovery engine.
func (c *Client) Pinger(collective string) discovery.Pinger {
	return collectivePinger{client: c, collective: collective}
}

type collectivePinger struct {
	client     *Client
	collective string
}

func (p collectivePinger) DiscoverViaPing(ctx context.Context, f filter.Filter, timeout time.Duration, limit int) ([]string, error) {
	return p.client.PingCollective(ctx, p.collective, f, timeout, limit)
}

// Handler is called for every reply a call collects. It runs on the
// collecting goroutine.
type Handler func(reply *message.Message)

// CollectOptions bound one collection round.
type CollectOptions struct {
	// Hosts are the nodes this round waits for. Collection stops once each
	// of them replied. Replies from other senders are not handed on.
	Hosts []string
	// Expected stops collection once this many distinct senders replied
	// when Hosts is empty. Zero collects until the timeout.
	Expected int
	// Timeout bounds the whole round.
	Timeout time.Duration
	// Stats receives the timing and counts. A fresh Stats is used when nil.
	Stats *Stats
}

// CallAndCollect publishes m and hands the first reply of every expected
// sender to handler until all of them answered, the timeout elapsed or
// ctx was cancelled. Timeout and cancellation are not errors: the
// returned Stats counts what arrived and marks a cancelled round
// Interrupted.
//
// Duplicate replies are dropped. A late reply from a node targeted by an
// earlier round sharing the request id only marks that node as responded.
func (c *Client) CallAndCollect(ctx context.Context, m *message.Message, opts CollectOptions, handler Handler) (*Stats, error) {
	stats := opts.Stats
	if stats == nil {
		stats = NewStats()
	}

	id, err := c.Publish(ctx, m)
	if err != nil {
		return stats, err
	}
	stats.RequestID = id

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { stats.TimeBlock(time.Since(start)) }()

	expected := opts.Expected
	var wanted map[string]bool
	if len(opts.Hosts) > 0 {
		wanted = make(map[string]bool, len(opts.Hosts))
		for _, h := range opts.Hosts {
			wanted[h] = true
		}
		expected = len(wanted)
	}

	seen := make(map[string]bool)
	for expected == 0 || len(seen) < expected {
		reply, err := c.Receive(waitCtx, id)
		if err != nil {
			if isStop(err) {
				if ctx.Err() != nil {
					stats.Interrupted = true
					c.logger.Info("collection interrupted",
						zap.String("request_id", id), zap.Int("received", len(seen)))
				} else {
					c.logger.Debug("collection timed out",
						zap.String("request_id", id),
						zap.Int("received", len(seen)),
						zap.Int("expected", expected))
				}
				break
			}
			return stats, err
		}

		sender := reply.SenderID
		switch {
		case seen[sender]:
			c.logger.Debug("dropping duplicate reply",
				zap.String("request_id", id), zap.String("sender", sender))
			continue
		case wanted != nil && !wanted[sender]:
			if stats.Targeted(sender) {
				stats.NodeResponded(sender)
				c.logger.Debug("late reply from an earlier round",
					zap.String("request_id", id), zap.String("sender", sender))
			} else {
				c.logger.Debug("dropping reply from unexpected sender",
					zap.String("request_id", id), zap.String("sender", sender))
			}
			continue
		}

		seen[sender] = true
		stats.NodeResponded(sender)
		if handler != nil {
			handler(reply)
		}
	}
	return stats, nil
}
