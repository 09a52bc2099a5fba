package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/internal/ctxkeys"
	"github.com/BaSui01/fleetrpc/internal/metrics"
	"github.com/BaSui01/fleetrpc/internal/pool"
	httpserver "github.com/BaSui01/fleetrpc/internal/server"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/rpc"
	"github.com/BaSui01/fleetrpc/transport"
	"github.com/BaSui01/fleetrpc/types"
)

const instrumentationName = "github.com/BaSui01/fleetrpc/server"

// Registrar publishes the node inventory somewhere discovery can read it,
// e.g. the Redis registry or the SQL inventory.
type Registrar interface {
	Run(ctx context.Context, inventory func() filter.Node) error
}

// Config tunes request handling.
type Config struct {
	Pool pool.GoroutinePoolConfig
	// RateLimit is the sustained requests per second; zero disables it.
	RateLimit float64
	RateBurst int
	// RetryDelay is the pause after the connector reports unavailable.
	RetryDelay time.Duration
	// HTTP serves /metrics and /health when Addr is set.
	HTTP httpserver.Config
	// Middleware wraps Handler before it is served.
	Middleware func(http.Handler) http.Handler
	Version    string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	hc := httpserver.DefaultConfig()
	hc.Addr = ""
	return Config{
		Pool:       pool.DefaultGoroutinePoolConfig(),
		RateLimit:  0,
		RateBurst:  100,
		RetryDelay: time.Second,
		HTTP:       hc,
		Version:    "dev",
	}
}

// Server receives requests for its agents, dispatches them on a bounded
// pool and publishes the replies.
type Server struct {
	env        *message.Env
	conn       transport.Connector
	inv        *Inventory
	config     Config
	metrics    *metrics.Collector
	logger     *zap.Logger
	tracer     trace.Tracer
	limiter    *rate.Limiter
	instance   string
	registrars []Registrar

	mu     sync.RWMutex
	agents map[string]Agent

	pool    *pool.GoroutinePool
	running sync.WaitGroup
}

// New creates a server. env.Security must already match filters against
// inv.
func New(env *message.Env, conn transport.Connector, inv *Inventory, cfg Config, collector *metrics.Collector, logger *zap.Logger) (*Server, error) {
	if env == nil || env.Security == nil {
		return nil, types.NewError(types.ErrConfiguration, "server needs a message environment with security")
	}
	if conn == nil {
		return nil, types.NewError(types.ErrConfiguration, "server needs a connector")
	}
	if inv == nil {
		return nil, types.NewError(types.ErrConfiguration, "server needs an inventory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s := &Server{
		env:      env,
		conn:     conn,
		inv:      inv,
		config:   cfg,
		metrics:  collector,
		tracer:   otel.Tracer(instrumentationName),
		limiter:  limiter,
		instance: uuid.NewString(),
		agents:   make(map[string]Agent),
	}
	s.logger = logger.With(zap.String("component", "server"), zap.String("identity", inv.Identity()))
	cfg.Pool.PanicHandler = func(r any) {
		s.logger.Error("action panicked", zap.Any("panic", r))
	}
	s.pool = pool.NewGoroutinePool(cfg.Pool)
	return s, nil
}

// Register adds an agent. Names must be unique.
func (s *Server) Register(a Agent) error {
	s.mu.Lock()
	if _, ok := s.agents[a.Name()]; ok {
		s.mu.Unlock()
		return types.Errorf(types.ErrConfiguration, "agent %s is already registered", a.Name())
	}
	s.agents[a.Name()] = a
	s.mu.Unlock()

	s.inv.SetAgents(s.Agents())
	return nil
}

// AddRegistrar runs r alongside the receive loop.
func (s *Server) AddRegistrar(r Registrar) {
	s.registrars = append(s.registrars, r)
}

// Agents lists registered agent names sorted.
func (s *Server) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.agents))
	for name := range s.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Server) agent(name string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[name]
	return a, ok
}

func (s *Server) Inventory() *Inventory { return s.inv }

// Instance is the unique id of this server process.
func (s *Server) Instance() string { return s.instance }

// =============================================================================
// 🚀 运行
// =============================================================================

// Start connects and subscribes every agent on its broadcast target and
// the node's directed target in every collective.
func (s *Server) Start(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	for _, collective := range s.inv.Collectives() {
		for _, name := range s.Agents() {
			if err := s.conn.Subscribe(ctx, name, transport.KindBroadcast, collective); err != nil {
				return err
			}
			if err := s.conn.Subscribe(ctx, name, transport.KindDirected, collective); err != nil {
				return err
			}
		}
	}
	s.logger.Info("server started",
		zap.Strings("agents", s.Agents()),
		zap.Strings("collectives", s.inv.Collectives()),
		zap.String("instance", s.instance))
	return nil
}

// Run starts the server and blocks until ctx ends or a component fails.
// Registrars and the HTTP endpoints run in the same group.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx) })
	for _, r := range s.registrars {
		r := r
		g.Go(func() error {
			err := r.Run(gctx, s.inv.Node)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("registrar stopped", zap.Error(err))
			}
			return nil
		})
	}
	if s.config.HTTP.Addr != "" {
		handler := s.Handler()
		if s.config.Middleware != nil {
			handler = s.config.Middleware(handler)
		}
		mgr := httpserver.NewManager(handler, s.config.HTTP, s.logger)
		g.Go(func() error { return mgr.Run(gctx) })
	}

	err := g.Wait()
	s.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Serve runs the receive loop until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	for {
		frame, err := s.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if transport.IsUnavailable(err) {
				s.logger.Warn("connector unavailable, retrying", zap.Error(err), zap.Duration("delay", s.config.RetryDelay))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.config.RetryDelay):
				}
				continue
			}
			return err
		}
		s.dispatch(ctx, frame)
	}
}

// Close waits for in-flight requests, stops the pool and disconnects.
func (s *Server) Close() {
	s.running.Wait()
	s.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.conn.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect failed", zap.Error(err))
	}
}

// =============================================================================
// 📨 请求处理
// =============================================================================

// dispatch decodes and validates one frame and hands it to the pool.
// Messages that fail validation never reach an agent.
func (s *Server) dispatch(ctx context.Context, frame *message.Frame) {
	req := message.FromFrame(s.env, frame, message.TypeRequest)
	if err := req.Decode(); err != nil {
		s.logger.Warn("dropping request that failed decoding",
			zap.String("request_id", frame.Header(message.HeaderRequestID)),
			zap.Error(err))
		s.metrics.RecordRejected(frame.Header(message.HeaderType), "security")
		return
	}

	ctx = ctxkeys.WithRequestID(ctx, req.RequestID)
	ctx = ctxkeys.WithCallerID(ctx, req.CallerID)
	ctx = ctxkeys.WithSenderID(ctx, req.SenderID)

	if err := req.Validate(ctx); err != nil {
		s.logger.Debug("dropping request", zap.String("request", req.String()), zap.Error(err))
		return
	}

	agent, ok := s.agent(req.Agent)
	if !ok {
		s.logger.Debug("no such agent", zap.String("agent", req.Agent), zap.String("request_id", req.RequestID))
		s.metrics.RecordRejected(req.Agent, "unknown_agent")
		return
	}

	if !s.limiter.Allow() {
		s.metrics.RecordThrottled()
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	timeout := agent.Timeout()
	s.running.Add(1)
	err := s.pool.SubmitTimeout(ctx, timeout+s.env.PublishTimeout+time.Second, func(tctx context.Context) error {
		defer s.running.Done()
		return s.handle(tctx, agent, req, timeout)
	})
	if err != nil {
		s.running.Done()
		s.logger.Warn("request not scheduled", zap.String("request", req.String()), zap.Error(err))
		s.metrics.RecordRejected(req.Agent, "busy")
	}
}

type outcome struct {
	payload any
	err     error
}

// handle runs the agent under its timeout and publishes the reply.
func (s *Server) handle(ctx context.Context, agent Agent, req *message.Message, timeout time.Duration) error {
	start := time.Now()
	action := actionOf(req)

	ctx, span := s.tracer.Start(ctx, "server.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.agent", agent.Name()),
			attribute.String("rpc.action", action),
			attribute.String("rpc.request_id", req.RequestID),
			attribute.String("rpc.caller_id", req.CallerID),
		))
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		payload, err := agent.Handle(actx, req)
		done <- outcome{payload, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-actx.Done():
		reply := rpc.NewReply()
		reply.Fail(rpc.StatusAborted, "action timed out after "+timeout.String())
		res = outcome{payload: reply}
	}

	status := "ok"
	if res.err != nil {
		status = "error"
	} else if reply, ok := res.payload.(*rpc.Reply); ok {
		status = reply.StatusCode.String()
	}
	span.SetAttributes(attribute.String("rpc.status", status))
	s.metrics.RecordServerRequest(agent.Name(), action, status, time.Since(start))

	if res.err != nil {
		s.logger.Warn("agent failed", zap.String("request", req.String()), zap.Error(res.err))
		span.RecordError(res.err)
		return res.err
	}
	return s.reply(ctx, req, res.payload)
}

func (s *Server) reply(ctx context.Context, req *message.Message, payload any) error {
	out, err := message.New(s.env, payload, message.TypeReply, message.Options{
		Agent:      req.Agent,
		Collective: req.Collective,
		Request:    req,
	})
	if err != nil {
		return err
	}
	if err := out.Encode(); err != nil {
		s.logger.Warn("failed to encode reply", zap.String("request", req.String()), zap.Error(err))
		return err
	}
	if err := out.Publish(ctx, s.conn); err != nil {
		s.logger.Warn("failed to publish reply", zap.String("request", req.String()), zap.Error(err))
		return err
	}
	s.metrics.RecordPublish(req.Agent, string(message.TypeReply))
	return nil
}

// actionOf extracts the action name of an RPC request for metrics.
func actionOf(req *message.Message) string {
	var body rpc.Request
	if err := req.DecodePayload(&body); err != nil || body.Action == "" {
		return "-"
	}
	return body.Action
}

// =============================================================================
// 🩺 HTTP
// =============================================================================

// Health is the /health response body.
type Health struct {
	Status      string                  `json:"status"`
	Identity    string                  `json:"identity"`
	Instance    string                  `json:"instance"`
	Version     string                  `json:"version"`
	Agents      []string                `json:"agents"`
	Collectives []string                `json:"collectives"`
	Pool        pool.GoroutinePoolStats `json:"pool"`
	Messages    map[string]uint64       `json:"messages"`
}

// Health reports the server state.
func (s *Server) Health() Health {
	return Health{
		Status:      "ok",
		Identity:    s.inv.Identity(),
		Instance:    s.instance,
		Version:     s.config.Version,
		Agents:      s.Agents(),
		Collectives: s.inv.Collectives(),
		Pool:        s.pool.Stats(),
		Messages: map[string]uint64{
			"validated":    s.env.Counters.Validated.Load(),
			"expired":      s.env.Counters.Expired.Load(),
			"not_targeted": s.env.Counters.NotTargeted.Load(),
		},
	}
}

// Handler serves /metrics and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Health()); err != nil {
			s.logger.Warn("failed to write health", zap.Error(err))
		}
		s.metrics.RecordHTTPRequest(r.Method, "/health", http.StatusOK, time.Since(start))
	})
	return mux
}
