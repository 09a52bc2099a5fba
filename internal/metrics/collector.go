// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil Collector 的所有 Record 方法都是空操作。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// RPC 客户端指标
	requestsPublished *prometheus.CounterVec
	repliesReceived   *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	rpcNoResponse     *prometheus.CounterVec

	// 发现指标
	discoveryTotal    *prometheus.CounterVec
	discoveryDuration *prometheus.HistogramVec
	discoveredNodes   *prometheus.HistogramVec

	// 消息校验指标
	messagesRejected *prometheus.CounterVec

	// 节点端指标
	serverRequestsTotal   *prometheus.CounterVec
	serverRequestDuration *prometheus.HistogramVec
	serverThrottled       prometheus.Counter

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RPC 客户端指标
	c.requestsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_published_total",
			Help:      "Total number of requests published to the bus",
		},
		[]string{"agent", "type"}, // type: request, direct_request
	)

	c.repliesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_replies_received_total",
			Help:      "Total number of replies received",
		},
		[]string{"agent", "status"},
	)

	c.rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "RPC round duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent", "action"},
	)

	c.rpcNoResponse = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_no_response_total",
			Help:      "Total number of discovered nodes that did not reply in time",
		},
		[]string{"agent"},
	)

	// 发现指标
	c.discoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_total",
			Help:      "Total number of discovery rounds",
		},
		[]string{"method", "status"},
	)

	c.discoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_duration_seconds",
			Help:      "Discovery duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)

	c.discoveredNodes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_nodes",
			Help:      "Number of nodes returned by a discovery round",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"method"},
	)

	// 消息校验指标
	c.messagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total number of inbound messages rejected before dispatch",
		},
		[]string{"agent", "reason"}, // reason: expired, not_targeted, security
	)

	// 节点端指标
	c.serverRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_requests_total",
			Help:      "Total number of requests handled by this node",
		},
		[]string{"agent", "action", "status"},
	)

	c.serverRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_request_duration_seconds",
			Help:      "Action handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent", "action"},
	)

	c.serverThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_requests_throttled_total",
			Help:      "Total number of inbound requests delayed by the rate limiter",
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📡 RPC 指标记录
// =============================================================================

// RecordPublish 记录一次发布
func (c *Collector) RecordPublish(agent, typ string) {
	if c == nil {
		return
	}
	c.requestsPublished.WithLabelValues(agent, typ).Inc()
}

// RecordReply 记录收到的回复，status 为回复状态码的名称
func (c *Collector) RecordReply(agent, status string) {
	if c == nil {
		return
	}
	c.repliesReceived.WithLabelValues(agent, status).Inc()
}

// RecordCall 记录一次完整的 RPC 轮次
func (c *Collector) RecordCall(agent, action string, duration time.Duration, noResponse int) {
	if c == nil {
		return
	}
	c.rpcDuration.WithLabelValues(agent, action).Observe(duration.Seconds())
	if noResponse > 0 {
		c.rpcNoResponse.WithLabelValues(agent).Add(float64(noResponse))
	}
}

// RecordDiscovery 记录一次发现
func (c *Collector) RecordDiscovery(method string, nodes int, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.discoveryTotal.WithLabelValues(method, status).Inc()
	c.discoveryDuration.WithLabelValues(method).Observe(duration.Seconds())
	if err == nil {
		c.discoveredNodes.WithLabelValues(method).Observe(float64(nodes))
	}
}

// =============================================================================
// ✉️ 消息校验指标
// =============================================================================

// MessageExpired 记录过期消息，满足 message.Observer
func (c *Collector) MessageExpired(agent string) {
	c.RecordRejected(agent, "expired")
}

// MessageNotTargeted 记录过滤器不匹配的消息，满足 message.Observer
func (c *Collector) MessageNotTargeted(agent string) {
	c.RecordRejected(agent, "not_targeted")
}

// RecordRejected 记录在分发前被拒绝的消息
func (c *Collector) RecordRejected(agent, reason string) {
	if c == nil {
		return
	}
	c.messagesRejected.WithLabelValues(agent, reason).Inc()
}

// =============================================================================
// 🖥️ 节点端指标
// =============================================================================

// RecordServerRequest 记录节点处理的一次请求
func (c *Collector) RecordServerRequest(agent, action, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.serverRequestsTotal.WithLabelValues(agent, action, status).Inc()
	c.serverRequestDuration.WithLabelValues(agent, action).Observe(duration.Seconds())
}

// RecordThrottled 记录被限流的入站请求
func (c *Collector) RecordThrottled() {
	if c == nil {
		return
	}
	c.serverThrottled.Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cache string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cache string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
