package metrics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.requestsPublished)
	assert.NotNil(t, collector.repliesReceived)
	assert.NotNil(t, collector.discoveryDuration)
	assert.NotNil(t, collector.messagesRejected)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordPublish("rpcutil", "request")
		c.RecordReply("rpcutil", "ok")
		c.RecordDiscovery("mc", 3, time.Second, nil)
		c.MessageExpired("rpcutil")
		c.RecordServerRequest("rpcutil", "ping", "ok", time.Millisecond)
		c.RecordThrottled()
		c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	})
}

func TestCollector_RecordRPC(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	collector.RecordPublish("rpcutil", "request")
	collector.RecordPublish("rpcutil", "request")
	collector.RecordReply("rpcutil", "ok")
	collector.RecordReply("rpcutil", "aborted")
	collector.RecordCall("rpcutil", "ping", 2*time.Second, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.requestsPublished.WithLabelValues("rpcutil", "request")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.repliesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.rpcNoResponse.WithLabelValues("rpcutil")))
	assert.Greater(t, testutil.CollectAndCount(collector.rpcDuration), 0)
}

func TestCollector_RecordDiscovery(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	collector.RecordDiscovery("mc", 5, 200*time.Millisecond, nil)
	collector.RecordDiscovery("flatfile", 0, time.Millisecond, errors.New("missing file"))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.discoveryTotal.WithLabelValues("mc", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.discoveryTotal.WithLabelValues("flatfile", "error")))
	// failed rounds do not observe a node count
	assert.Equal(t, 1, testutil.CollectAndCount(collector.discoveredNodes))
}

func TestCollector_MessageObserver(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	collector.MessageExpired("rpcutil")
	collector.MessageExpired("rpcutil")
	collector.MessageNotTargeted("rpcutil")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.messagesRejected.WithLabelValues("rpcutil", "expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.messagesRejected.WithLabelValues("rpcutil", "not_targeted")))
}

func TestCollector_RecordServer(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	collector.RecordServerRequest("rpcutil", "ping", "ok", 5*time.Millisecond)
	collector.RecordThrottled()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.serverRequestsTotal.WithLabelValues("rpcutil", "ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.serverThrottled))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("ddl")
	collector.RecordCacheMiss("ddl")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("inventory", "upsert", 20*time.Millisecond)
	collector.RecordDBConnections("inventory", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("inventory")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("inventory")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/metrics", 200, 100*time.Millisecond)
			collector.RecordReply("rpcutil", "ok")
			collector.RecordCacheHit("ddl")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.repliesReceived.WithLabelValues("rpcutil", "ok")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("ddl")))
}

func TestCollector_MetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	registry.MustRegister(collector.httpRequestsTotal)
	collector.RecordHTTPRequest("GET", "/health", 503, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "5xx")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(301))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(500))
	assert.Equal(t, "unknown", statusCode(0))
}
