// Package message implements the envelope for every unit of bus traffic.
// A Message knows its type, addressing and filter, and delegates body
// serialization and authentication to a Security provider.
package message

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/types"
)

// Type is the message type.
type Type string

const (
	TypeMessage       Type = "message"
	TypeRequest       Type = "request"
	TypeDirectRequest Type = "direct_request"
	TypeReply         Type = "reply"
)

// IsRequest reports whether t is request or direct_request.
func (t Type) IsRequest() bool {
	return t == TypeRequest || t == TypeDirectRequest
}

// Counters are process-wide message counters shared through an Env.
type Counters struct {
	Validated   atomic.Uint64
	Expired     atomic.Uint64
	NotTargeted atomic.Uint64
}

// Observer receives message lifecycle events, e.g. a metrics collector.
type Observer interface {
	MessageExpired(agent string)
	MessageNotTargeted(agent string)
}

// Env carries the settings and collaborators every message needs. One
// Env is shared by all messages of a process and must not be copied.
type Env struct {
	Identity                  string
	Security                  Security
	DDL                       *ddl.Store
	DirectAddressing          bool
	DirectAddressingThreshold int
	DefaultTTL                int
	PublishTimeout            time.Duration
	RequestIDScheme           string
	Observer                  Observer
	Logger                    *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time

	Counters Counters
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) publishTimeout() time.Duration {
	if e.PublishTimeout <= 0 {
		return 2 * time.Second
	}
	return e.PublishTimeout
}

func (e *Env) ttl() int {
	if e.DefaultTTL <= 0 {
		return 60
	}
	return e.DefaultTTL
}

func (e *Env) requestID(agent, collective string) string {
	if e.RequestIDScheme == SchemeUUID {
		return UUIDRequestID()
	}
	return HashRequestID(e.Identity, e.now(), agent, collective)
}

// Options describe a message being built.
type Options struct {
	Agent           string
	Collective      string
	Filter          filter.Filter
	TTL             int
	DiscoveredHosts []string
	// Request is the originating request of a reply.
	Request *Message
	// RequestID reuses an id, e.g. for every wave of a batched call.
	RequestID string
}

// Message is one unit of bus traffic.
type Message struct {
	Payload         any
	Type            Type
	Agent           string
	Collective      string
	RequestID       string
	TTL             int
	Filter          filter.Filter
	DiscoveredHosts []string
	ReplyTo         string
	CreationTime    time.Time

	// Populated by Decode.
	MsgTime  time.Time
	SenderID string
	CallerID string
	Headers  map[string]string

	// Request is the originating request of a reply.
	Request *Message
	// Raw is the encoded body after Encode, or the received body.
	Raw []byte

	env       *Env
	validated bool
}

// New creates an outbound message.
func New(env *Env, payload any, typ Type, opts Options) (*Message, error) {
	if env == nil || env.Security == nil {
		return nil, types.NewError(types.ErrConfiguration, "message environment has no security provider")
	}
	m := &Message{
		Payload:         payload,
		Type:            TypeMessage,
		Agent:           opts.Agent,
		Collective:      opts.Collective,
		RequestID:       opts.RequestID,
		TTL:             opts.TTL,
		Filter:          opts.Filter.Clone(),
		DiscoveredHosts: append([]string(nil), opts.DiscoveredHosts...),
		Request:         opts.Request,
		CreationTime:    env.now(),
		env:             env,
	}
	if m.TTL <= 0 {
		m.TTL = env.ttl()
	}
	if err := m.SetType(typ); err != nil {
		return nil, err
	}
	return m, nil
}

// FromFrame wraps a received frame. typ is request on nodes and reply on
// clients.
func FromFrame(env *Env, frame *Frame, typ Type) *Message {
	return &Message{
		Type:         typ,
		Raw:          frame.Body,
		Headers:      frame.Headers,
		TTL:          env.ttl(),
		CreationTime: env.now(),
		env:          env,
	}
}

// Env returns the environment the message was created with.
func (m *Message) Env() *Env {
	return m.env
}

// SetType changes the message type. Moving to direct_request requires
// direct addressing and a non-empty host list.
func (m *Message) SetType(t Type) error {
	switch t {
	case TypeMessage, TypeRequest, TypeReply:
	case TypeDirectRequest:
		if !m.env.DirectAddressing {
			return types.NewError(types.ErrInvalidStateTransition, "direct requests need direct addressing to be enabled")
		}
		if len(m.DiscoveredHosts) == 0 {
			return types.NewError(types.ErrInvalidStateTransition, "direct requests need a list of discovered hosts")
		}
	default:
		return types.Errorf(types.ErrInvalidArgument, "unknown message type %q", t)
	}
	m.Type = t
	return nil
}

// SetReplyTo overrides the reply destination of a request.
func (m *Message) SetReplyTo(target string) error {
	if !m.Type.IsRequest() {
		return types.Errorf(types.ErrInvalidStateTransition, "cannot set a reply target on a %s message", m.Type)
	}
	m.ReplyTo = target
	return nil
}

// SetDiscoveredHosts replaces the target list.
func (m *Message) SetDiscoveredHosts(hosts []string) {
	m.DiscoveredHosts = append([]string(nil), hosts...)
}

// Validated reports whether Validate succeeded.
func (m *Message) Validated() bool {
	return m.validated
}

// ExpectedReplies is the number of hosts a direct request addresses.
func (m *Message) ExpectedReplies() int {
	return len(m.DiscoveredHosts)
}

// DecodePayload unmarshals the JSON payload of a decoded message.
func (m *Message) DecodePayload(v any) error {
	raw, ok := m.Payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// String is a compact description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s@%s id=%s", m.Type, m.Agent, m.Collective, m.RequestID)
}
