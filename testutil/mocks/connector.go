// Package mocks 提供 transport.Connector 的内存替身。
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/transport"
)

var _ transport.Connector = (*MockConnector)(nil)

// MockConnector 记录连接器上的调用。Receive 依次返回注入的错误和帧，
// 队列为空时阻塞到 ctx 结束。
type MockConnector struct {
	mu            sync.Mutex
	connected     bool
	subscriptions map[string]struct{}
	published     []*message.Message
	pending       []result
	wake          chan struct{}

	receiveCalls int

	// 注入的错误
	ConnectErr error
	PublishErr error
}

type result struct {
	frame *message.Frame
	err   error
}

// NewMockConnector 创建 MockConnector
func NewMockConnector() *MockConnector {
	return &MockConnector{
		subscriptions: make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
	}
}

func subKey(agent string, kind transport.Kind, collective string) string {
	return fmt.Sprintf("%s/%s/%s", collective, kind, agent)
}

// Push 排队一个待接收的帧
func (m *MockConnector) Push(f *message.Frame) { m.enqueue(result{frame: f}) }

// FailReceive 排队一个 Receive 错误
func (m *MockConnector) FailReceive(err error) { m.enqueue(result{err: err}) }

func (m *MockConnector) enqueue(r result) {
	m.mu.Lock()
	m.pending = append(m.pending, r)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *MockConnector) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

func (m *MockConnector) Disconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockConnector) Publish(_ context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.published = append(m.published, msg)
	return nil
}

func (m *MockConnector) Subscribe(_ context.Context, agent string, kind transport.Kind, collective string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[subKey(agent, kind, collective)] = struct{}{}
	return nil
}

func (m *MockConnector) Unsubscribe(_ context.Context, agent string, kind transport.Kind, collective string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subKey(agent, kind, collective))
	return nil
}

func (m *MockConnector) Receive(ctx context.Context) (*message.Frame, error) {
	m.mu.Lock()
	m.receiveCalls++
	m.mu.Unlock()
	for {
		m.mu.Lock()
		if len(m.pending) > 0 {
			r := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()
			return r.frame, r.err
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.wake:
		}
	}
}

// =============================================================================
// 🔍 检查
// =============================================================================

// Connected 报告是否处于连接状态
func (m *MockConnector) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribed 报告是否存在该订阅
func (m *MockConnector) Subscribed(agent string, kind transport.Kind, collective string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscriptions[subKey(agent, kind, collective)]
	return ok
}

// Subscriptions 返回订阅数量
func (m *MockConnector) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// Published 返回已发布消息的副本
func (m *MockConnector) Published() []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*message.Message, len(m.published))
	copy(out, m.published)
	return out
}

// ReceiveCalls 返回 Receive 被调用的次数
func (m *MockConnector) ReceiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiveCalls
}

// Pending 返回尚未被接收的条目数
func (m *MockConnector) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
