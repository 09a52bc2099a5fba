package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/internal/metrics"
	httpserver "github.com/BaSui01/fleetrpc/internal/server"
	"github.com/BaSui01/fleetrpc/transport/wsbus"
)

// =============================================================================
// 🚌 broker
// =============================================================================

func runBroker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("broker", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	listen := fs.String("listen", "", "listen address, overrides connector.listen")
	maxConns := fs.Int("max-conns", 0, "maximum open connections, 0 is unlimited")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	addr := cfg.Connector.Listen
	if *listen != "" {
		addr = *listen
	}

	collector := metrics.NewCollector("fleetrpc_broker", logger)
	broker := wsbus.NewBroker(nil, logger)

	hc := httpserver.DefaultConfig()
	hc.Addr = addr
	hc.MaxConns = *maxConns
	// websocket 连接是长连接
	hc.ReadTimeout = 0
	hc.WriteTimeout = 0
	if cfg.Server.ShutdownTimeout > 0 {
		hc.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}

	handler := Chain(brokerMux(broker),
		RateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	)
	mgr := httpserver.NewManager(httpMiddleware(collector, logger)(handler), hc, logger)

	logger.Info("starting websocket bus", zap.String("addr", addr), zap.String("version", Version))
	return mgr.Run(ctx)
}

// brokerMux routes /bus to the websocket broker and exposes /health and
// /metrics.
func brokerMux(broker *wsbus.Broker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/bus", broker)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"peers":   broker.Peers(),
			"version": Version,
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
