// Package transport defines the Connector every bus implementation
// satisfies and the addressing scheme they share. Implementations live in
// the memory, redis and websocket subpackages.
package transport

import (
	"context"
	"strings"

	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/types"
)

// Kind is a subscription kind.
type Kind string

const (
	// KindBroadcast receives requests broadcast to an agent.
	KindBroadcast Kind = "broadcast"
	// KindDirected receives requests addressed to this node by identity.
	KindDirected Kind = "directed"
	// KindReply receives replies to requests this process sent.
	KindReply Kind = "reply"
)

// Connector is a publish/subscribe bus connection.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, m *message.Message) error
	Subscribe(ctx context.Context, agent string, kind Kind, collective string) error
	Unsubscribe(ctx context.Context, agent string, kind Kind, collective string) error
	// Receive blocks for the next frame. A retryable TRANSPORT_UNAVAILABLE
	// error means the connection is temporarily gone.
	Receive(ctx context.Context) (*message.Frame, error)
}

// Addresser maps subscriptions and messages to bus targets for one
// process.
type Addresser struct {
	Identity string
	// Instance distinguishes reply targets of processes sharing an identity.
	Instance string
}

// BroadcastTarget is where requests for agent in collective are sent.
func BroadcastTarget(collective, agent string) string {
	return collective + ".agent." + agent
}

// NodeTarget is where direct requests for identity are sent.
func NodeTarget(collective, identity string) string {
	return collective + ".node." + identity
}

// ReplyTarget is the default reply destination of this process.
func (a Addresser) ReplyTarget(collective string) string {
	t := collective + ".reply." + a.Identity
	if a.Instance != "" {
		t += "." + a.Instance
	}
	return t
}

// Target returns the bus target of a subscription.
func (a Addresser) Target(agent string, kind Kind, collective string) (string, error) {
	switch kind {
	case KindBroadcast:
		return BroadcastTarget(collective, agent), nil
	case KindDirected:
		return NodeTarget(collective, a.Identity), nil
	case KindReply:
		return a.ReplyTarget(collective), nil
	}
	return "", types.Errorf(types.ErrInvalidArgument, "unknown subscription kind %q", kind)
}

// Delivery is one frame bound for one target.
type Delivery struct {
	Target string
	Frame  *message.Frame
}

// Route computes the deliveries for an encoded message: one broadcast for
// a request, one per host for a direct request, and one to the request's
// reply target for a reply.
func (a Addresser) Route(m *message.Message) ([]Delivery, error) {
	if len(m.Raw) == 0 {
		return nil, types.Errorf(types.ErrPreconditionFailed, "message %s is not encoded", m.RequestID)
	}

	headers := map[string]string{
		message.HeaderRequestID: m.RequestID,
		message.HeaderType:      string(m.Type),
	}

	switch m.Type {
	case message.TypeRequest, message.TypeDirectRequest:
		replyTo := m.ReplyTo
		if replyTo == "" {
			replyTo = a.ReplyTarget(m.Collective)
		}
		headers[message.HeaderReplyTo] = replyTo

		if m.Type == message.TypeRequest {
			return []Delivery{{
				Target: BroadcastTarget(m.Collective, m.Agent),
				Frame:  &message.Frame{Body: m.Raw, Headers: headers},
			}}, nil
		}

		out := make([]Delivery, 0, len(m.DiscoveredHosts))
		for _, host := range m.DiscoveredHosts {
			h := cloneHeaders(headers)
			h[message.HeaderTarget] = host
			out = append(out, Delivery{
				Target: NodeTarget(m.Collective, host),
				Frame:  &message.Frame{Body: m.Raw, Headers: h},
			})
		}
		return out, nil

	case message.TypeReply:
		if m.Request == nil {
			return nil, types.NewError(types.ErrPreconditionFailed, "reply has no request")
		}
		target := m.Request.Headers[message.HeaderReplyTo]
		if target == "" {
			return nil, types.Errorf(types.ErrPreconditionFailed, "request %s has no reply target", m.RequestID)
		}
		return []Delivery{{Target: target, Frame: &message.Frame{Body: m.Raw, Headers: headers}}}, nil
	}
	return nil, types.Errorf(types.ErrUnsupportedOperation, "cannot publish %s messages", m.Type)
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Unavailable returns the retryable error connectors report while
// disconnected.
func Unavailable(reason string) error {
	return types.Errorf(types.ErrTransportUnavailable, "transport unavailable: %s", reason).WithRetryable(true)
}

// IsUnavailable reports whether err is a transient connection error.
func IsUnavailable(err error) bool {
	return types.IsCode(err, types.ErrTransportUnavailable)
}

// ValidTargetPart reports whether s can be used inside a target name.
func ValidTargetPart(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\n*?[]")
}
