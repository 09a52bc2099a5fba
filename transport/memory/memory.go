// Package memory provides an in-process bus. A Broker fans frames out to
// every Connector subscribed to a target.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/transport"
)

// DefaultInboxSize is the per-connector frame buffer.
const DefaultInboxSize = 1024

// Broker routes frames between connectors of one process.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Connector]struct{}
	logger *zap.Logger

	// Intercept, when set, sees every delivery and may drop it by
	// returning false.
	Intercept func(target string, frame *message.Frame) bool
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:   make(map[string]map[*Connector]struct{}),
		logger: logger.With(zap.String("component", "memory_broker")),
	}
}

func (b *Broker) subscribe(target string, c *Connector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[target]
	if !ok {
		set = make(map[*Connector]struct{})
		b.subs[target] = set
	}
	set[c] = struct{}{}
}

func (b *Broker) unsubscribe(target string, c *Connector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[target]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.subs, target)
		}
	}
}

func (b *Broker) unsubscribeAll(c *Connector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for target, set := range b.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(b.subs, target)
		}
	}
}

// Deliver sends frame to every subscriber of target. Frames for a full
// inbox are dropped.
func (b *Broker) Deliver(target string, frame *message.Frame) int {
	if b.Intercept != nil && !b.Intercept(target, frame) {
		return 0
	}

	b.mu.RLock()
	receivers := make([]*Connector, 0, len(b.subs[target]))
	for c := range b.subs[target] {
		receivers = append(receivers, c)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, c := range receivers {
		if c.enqueue(frame) {
			delivered++
		} else {
			b.logger.Warn("inbox full, frame dropped", zap.String("target", target), zap.String("identity", c.addr.Identity))
		}
	}
	return delivered
}

// Subscribers returns the number of connectors subscribed to target.
func (b *Broker) Subscribers(target string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[target])
}

// Connector is one process's connection to a Broker.
type Connector struct {
	broker *Broker
	addr   transport.Addresser
	inbox  chan *message.Frame
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	targets   map[string]struct{}
}

// NewConnector creates a connector for identity.
func NewConnector(broker *Broker, identity string, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		broker:  broker,
		addr:    transport.Addresser{Identity: identity, Instance: uuid.NewString()[:8]},
		inbox:   make(chan *message.Frame, DefaultInboxSize),
		logger:  logger.With(zap.String("component", "memory_connector"), zap.String("identity", identity)),
		targets: make(map[string]struct{}),
	}
}

// Addresser exposes the connector's addressing.
func (c *Connector) Addresser() transport.Addresser {
	return c.addr
}

func (c *Connector) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	for target := range c.targets {
		c.broker.subscribe(target, c)
	}
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.broker.unsubscribeAll(c)
	return nil
}

func (c *Connector) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) Publish(ctx context.Context, m *message.Message) error {
	if !c.isConnected() {
		return transport.Unavailable("not connected")
	}
	deliveries, err := c.addr.Route(m)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := c.broker.Deliver(d.Target, d.Frame)
		c.logger.Debug("published", zap.String("target", d.Target), zap.Int("receivers", n))
	}
	return nil
}

func (c *Connector) Subscribe(_ context.Context, agent string, kind transport.Kind, collective string) error {
	target, err := c.addr.Target(agent, kind, collective)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[target] = struct{}{}
	if c.connected {
		c.broker.subscribe(target, c)
	}
	return nil
}

func (c *Connector) Unsubscribe(_ context.Context, agent string, kind transport.Kind, collective string) error {
	target, err := c.addr.Target(agent, kind, collective)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, target)
	c.broker.unsubscribe(target, c)
	return nil
}

func (c *Connector) Receive(ctx context.Context) (*message.Frame, error) {
	if !c.isConnected() {
		return nil, transport.Unavailable("not connected")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-c.inbox:
		return f, nil
	}
}

func (c *Connector) enqueue(f *message.Frame) bool {
	select {
	case c.inbox <- f:
		return true
	default:
		return false
	}
}
