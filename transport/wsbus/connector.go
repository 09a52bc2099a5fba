package wsbus

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/internal/tlsutil"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/transport"
)

// Config configures a Connector.
type Config struct {
	URL       string        `yaml:"url" json:"url" env:"URL"`
	InboxSize int           `yaml:"inbox_size" json:"inbox_size" env:"INBOX_SIZE"`
	DialWait  time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT"`
	// CAFile 仅对 wss:// 生效
	CAFile string `yaml:"ca_file" json:"ca_file" env:"CA_FILE"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:       "ws://localhost:7650/bus",
		InboxSize: 1024,
		DialWait:  10 * time.Second,
	}
}

// Connector is one peer of a Broker.
type Connector struct {
	config Config
	addr   transport.Addresser
	logger *zap.Logger
	inbox  chan *message.Frame

	mu      sync.Mutex
	peer    *peer
	done    chan struct{}
	targets map[string]struct{}
}

// NewConnector creates a connector for identity.
func NewConnector(cfg Config, identity string, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.DialWait <= 0 {
		cfg.DialWait = DefaultConfig().DialWait
	}
	return &Connector{
		config:  cfg,
		addr:    transport.Addresser{Identity: identity, Instance: uuid.NewString()[:8]},
		logger:  logger.With(zap.String("component", "ws_connector"), zap.String("identity", identity)),
		inbox:   make(chan *message.Frame, cfg.InboxSize),
		targets: make(map[string]struct{}),
	}
}

// Addresser exposes the connector's addressing.
func (c *Connector) Addresser() transport.Addresser {
	return c.addr
}

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != nil {
		return nil
	}

	opts := &websocket.DialOptions{}
	if strings.HasPrefix(c.config.URL, "wss://") {
		tlsConfig, err := tlsutil.ClientConfig(c.config.CAFile)
		if err != nil {
			return transport.Unavailable(fmt.Sprintf("websocket tls: %v", err))
		}
		opts.HTTPClient = &http.Client{Transport: tlsutil.SecureTransport(tlsConfig)}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialWait)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.config.URL, opts)
	if err != nil {
		return transport.Unavailable(fmt.Sprintf("websocket connect: %v", err))
	}
	conn.SetReadLimit(readLimit)

	p := &peer{conn: conn}
	for target := range c.targets {
		if err := p.send(ctx, envelope{Op: opSubscribe, Target: target}); err != nil {
			_ = conn.CloseNow()
			return transport.Unavailable(err.Error())
		}
	}
	c.peer = p
	c.done = make(chan struct{})
	go c.readLoop(p, c.done)

	c.logger.Info("connected", zap.String("url", c.config.URL))
	return nil
}

func (c *Connector) readLoop(p *peer, done chan struct{}) {
	defer close(done)
	for {
		var env envelope
		if err := wsjson.Read(context.Background(), p.conn, &env); err != nil {
			if websocket.CloseStatus(err) == -1 {
				c.logger.Debug("read loop stopped", zap.Error(err))
			}
			c.mu.Lock()
			if c.peer == p {
				c.peer = nil
			}
			c.mu.Unlock()
			return
		}
		if env.Op != opMessage || env.Frame == nil {
			continue
		}
		select {
		case c.inbox <- env.Frame:
		default:
			c.logger.Warn("inbox full, frame dropped", zap.String("target", env.Target))
		}
	}
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	p, done := c.peer, c.done
	c.peer = nil
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	err := p.conn.Close(websocket.StatusNormalClosure, "bye")
	if done != nil {
		<-done
	}
	return err
}

func (c *Connector) current() *peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Connector) Publish(ctx context.Context, m *message.Message) error {
	p := c.current()
	if p == nil {
		return transport.Unavailable("not connected")
	}
	deliveries, err := c.addr.Route(m)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		if err := p.send(ctx, envelope{Op: opPublish, Target: d.Target, Frame: d.Frame}); err != nil {
			return transport.Unavailable(err.Error())
		}
	}
	return nil
}

func (c *Connector) Subscribe(ctx context.Context, agent string, kind transport.Kind, collective string) error {
	return c.changeSubscription(ctx, opSubscribe, agent, kind, collective)
}

func (c *Connector) Unsubscribe(ctx context.Context, agent string, kind transport.Kind, collective string) error {
	return c.changeSubscription(ctx, opUnsubscribe, agent, kind, collective)
}

func (c *Connector) changeSubscription(ctx context.Context, op, agent string, kind transport.Kind, collective string) error {
	target, err := c.addr.Target(agent, kind, collective)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if op == opSubscribe {
		c.targets[target] = struct{}{}
	} else {
		delete(c.targets, target)
	}
	p := c.peer
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.send(ctx, envelope{Op: op, Target: target}); err != nil {
		return transport.Unavailable(err.Error())
	}
	return nil
}

func (c *Connector) Receive(ctx context.Context) (*message.Frame, error) {
	c.mu.Lock()
	p, done := c.peer, c.done
	c.mu.Unlock()

	// drain what already arrived even after the connection dropped
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}
	if p == nil {
		return nil, transport.Unavailable("not connected")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-c.inbox:
		return f, nil
	case <-done:
		return nil, transport.Unavailable("connection closed")
	}
}
