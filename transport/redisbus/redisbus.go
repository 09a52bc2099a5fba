// Package redisbus implements the bus over Redis pub/sub. Every target
// is a Redis channel, frames travel as JSON.
package redisbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/internal/tlsutil"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/transport"
)

// Config Redis 连接配置
type Config struct {
	Addr     string `yaml:"addr" json:"addr" env:"ADDR"`
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	TLS      bool   `yaml:"tls" json:"tls" env:"TLS"`
	CAFile   string `yaml:"ca_file" json:"ca_file" env:"CA_FILE"`
	// Prefix is prepended to every channel name.
	Prefix string `yaml:"prefix" json:"prefix" env:"PREFIX"`
	// ChannelSize buffers received frames.
	ChannelSize int `yaml:"channel_size" json:"channel_size" env:"CHANNEL_SIZE"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		PoolSize:    10,
		Prefix:      "fleetrpc.",
		ChannelSize: 1024,
	}
}

// NewClient opens a Redis client and checks it answers.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	var tlsConfig *tls.Config
	if cfg.TLS {
		var err error
		if tlsConfig, err = tlsutil.ClientConfig(cfg.CAFile); err != nil {
			return nil, err
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		PoolSize:  cfg.PoolSize,
		TLSConfig: tlsConfig,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Connector is a bus connection over one Redis client.
type Connector struct {
	client *redis.Client
	config Config
	addr   transport.Addresser
	logger *zap.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	messages <-chan *redis.Message
	channels map[string]struct{}
}

// NewConnector creates a connector for identity over client.
func NewConnector(client *redis.Client, cfg Config, identity string, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = DefaultConfig().ChannelSize
	}
	return &Connector{
		client:   client,
		config:   cfg,
		addr:     transport.Addresser{Identity: identity, Instance: uuid.NewString()[:8]},
		logger:   logger.With(zap.String("component", "redis_connector"), zap.String("identity", identity)),
		channels: make(map[string]struct{}),
	}
}

// Addresser exposes the connector's addressing.
func (c *Connector) Addresser() transport.Addresser {
	return c.addr
}

func (c *Connector) channel(target string) string {
	return c.config.Prefix + target
}

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return transport.Unavailable(err.Error())
	}

	names := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		names = append(names, ch)
	}
	c.pubsub = c.client.Subscribe(ctx, names...)
	c.messages = c.pubsub.Channel(redis.WithChannelSize(c.config.ChannelSize))
	for _, ch := range names {
		if err := c.awaitSubscription(ctx, ch); err != nil {
			return err
		}
	}
	c.logger.Info("connected", zap.Int("channels", len(names)))
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub == nil {
		return nil
	}
	err := c.pubsub.Close()
	c.pubsub = nil
	c.messages = nil
	c.logger.Info("disconnected")
	return err
}

func (c *Connector) Publish(ctx context.Context, m *message.Message) error {
	deliveries, err := c.addr.Route(m)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		data, err := json.Marshal(d.Frame)
		if err != nil {
			return fmt.Errorf("marshal frame: %w", err)
		}
		if err := c.client.Publish(ctx, c.channel(d.Target), data).Err(); err != nil {
			return transport.Unavailable(err.Error())
		}
	}
	return nil
}

func (c *Connector) Subscribe(ctx context.Context, agent string, kind transport.Kind, collective string) error {
	target, err := c.addr.Target(agent, kind, collective)
	if err != nil {
		return err
	}
	ch := c.channel(target)

	c.mu.Lock()
	if _, ok := c.channels[ch]; ok {
		c.mu.Unlock()
		return nil
	}
	c.channels[ch] = struct{}{}
	ps := c.pubsub
	c.mu.Unlock()

	if ps == nil {
		return nil
	}
	if err := ps.Subscribe(ctx, ch); err != nil {
		return transport.Unavailable(err.Error())
	}
	return c.awaitSubscription(ctx, ch)
}

// awaitSubscription waits until Redis reports a subscriber on ch so a
// request published right after subscribing cannot outrun its replies.
func (c *Connector) awaitSubscription(ctx context.Context, ch string) error {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		counts, err := c.client.PubSubNumSub(ctx, ch).Result()
		if err != nil {
			return transport.Unavailable(err.Error())
		}
		if counts[ch] > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.logger.Warn("subscription not confirmed", zap.String("channel", ch))
	return nil
}

func (c *Connector) Unsubscribe(ctx context.Context, agent string, kind transport.Kind, collective string) error {
	target, err := c.addr.Target(agent, kind, collective)
	if err != nil {
		return err
	}
	ch := c.channel(target)

	c.mu.Lock()
	delete(c.channels, ch)
	ps := c.pubsub
	c.mu.Unlock()

	if ps == nil {
		return nil
	}
	return ps.Unsubscribe(ctx, ch)
}

func (c *Connector) Receive(ctx context.Context) (*message.Frame, error) {
	c.mu.Lock()
	messages := c.messages
	c.mu.Unlock()
	if messages == nil {
		return nil, transport.Unavailable("not connected")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil, transport.Unavailable("subscription closed")
			}
			var frame message.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				c.logger.Warn("dropping malformed frame", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			return &frame, nil
		}
	}
}
