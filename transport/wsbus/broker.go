// Package wsbus implements the bus over WebSocket. A Broker is an HTTP
// handler that relays frames between connected peers; a Connector is one
// peer.
package wsbus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/message"
)

// Protocol operations.
const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
	opMessage     = "msg"
)

// envelope is the unit exchanged between broker and peers.
type envelope struct {
	Op     string         `json:"op"`
	Target string         `json:"target"`
	Frame  *message.Frame `json:"frame,omitempty"`
}

const (
	readLimit    = 4 << 20
	writeTimeout = 5 * time.Second
)

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex // 保护写操作
}

func (p *peer) send(ctx context.Context, env envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.conn, env)
}

// Broker relays frames to the peers subscribed to their target.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*peer]struct{}
	peers  map[*peer]struct{}
	opts   *websocket.AcceptOptions
	logger *zap.Logger
}

// NewBroker creates a broker. originPatterns restricts browser origins;
// nil accepts same-origin only.
func NewBroker(originPatterns []string, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:   make(map[string]map[*peer]struct{}),
		peers:  make(map[*peer]struct{}),
		opts:   &websocket.AcceptOptions{OriginPatterns: originPatterns},
		logger: logger.With(zap.String("component", "ws_broker")),
	}
}

// ServeHTTP upgrades the connection and serves the peer until it leaves.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, b.opts)
	if err != nil {
		b.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	p := &peer{conn: conn}
	b.mu.Lock()
	b.peers[p] = struct{}{}
	b.mu.Unlock()
	defer b.drop(p)

	ctx := r.Context()
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				b.logger.Debug("peer read failed", zap.Error(err))
			}
			return
		}
		switch env.Op {
		case opSubscribe:
			b.subscribe(env.Target, p)
		case opUnsubscribe:
			b.unsubscribe(env.Target, p)
		case opPublish:
			if env.Frame != nil {
				b.relay(ctx, env.Target, env.Frame)
			}
		default:
			b.logger.Warn("unknown operation", zap.String("op", env.Op))
		}
	}
}

func (b *Broker) subscribe(target string, p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[target]
	if !ok {
		set = make(map[*peer]struct{})
		b.subs[target] = set
	}
	set[p] = struct{}{}
}

func (b *Broker) unsubscribe(target string, p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[target]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(b.subs, target)
		}
	}
}

func (b *Broker) drop(p *peer) {
	b.mu.Lock()
	delete(b.peers, p)
	for target, set := range b.subs {
		delete(set, p)
		if len(set) == 0 {
			delete(b.subs, target)
		}
	}
	b.mu.Unlock()
	_ = p.conn.CloseNow()
}

func (b *Broker) relay(ctx context.Context, target string, frame *message.Frame) {
	b.mu.RLock()
	receivers := make([]*peer, 0, len(b.subs[target]))
	for p := range b.subs[target] {
		receivers = append(receivers, p)
	}
	b.mu.RUnlock()

	for _, p := range receivers {
		if err := p.send(ctx, envelope{Op: opMessage, Target: target, Frame: frame}); err != nil {
			b.logger.Debug("relay failed", zap.String("target", target), zap.Error(err))
		}
	}
}

// Peers returns the number of connected peers.
func (b *Broker) Peers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Subscribers returns the number of peers subscribed to target.
func (b *Broker) Subscribers(target string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[target])
}
