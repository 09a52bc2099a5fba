package message

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/types"
)

// Encode serializes the message through the security provider and stores
// the result in Raw. Requests get a fresh request id unless one was set.
func (m *Message) Encode() error {
	sec := m.env.Security

	switch m.Type {
	case TypeReply:
		if m.Request == nil {
			return types.NewError(types.ErrPreconditionFailed, "cannot encode a reply without its request")
		}
		m.RequestID = m.Request.RequestID
		callerID := m.Request.CallerID
		if !sec.ValidCallerID(callerID) {
			return types.Errorf(types.ErrSecurityValidation, "refusing to reply to invalid caller id %q", callerID)
		}
		raw, err := sec.EncodeReply(m.Agent, m.Payload, m.RequestID, callerID)
		if err != nil {
			return wrapSecurity(err, "failed to encode reply")
		}
		m.Raw = raw
		return nil

	case TypeRequest, TypeDirectRequest:
		if err := m.validateCompound(); err != nil {
			return err
		}
		if m.RequestID == "" {
			m.RequestID = m.env.requestID(m.Agent, m.Collective)
		}
		raw, err := sec.EncodeRequest(m.env.Identity, m.Payload, m.RequestID, m.Filter, m.Agent, m.Collective, m.TTL)
		if err != nil {
			return wrapSecurity(err, "failed to encode request")
		}
		m.Raw = raw
		return nil

	default:
		return types.Errorf(types.ErrUnsupportedOperation, "cannot encode %s messages", m.Type)
	}
}

// validateCompound checks every data function in the filter against its
// data plugin descriptor.
func (m *Message) validateCompound() error {
	fns := m.Filter.Functions()
	if len(fns) == 0 {
		return nil
	}
	if m.env.DDL == nil {
		return types.NewError(types.ErrDDLValidation, "compound filter functions need a descriptor store")
	}
	for _, fn := range fns {
		desc, err := m.env.DDL.Load(ddl.KindData, fn.Name)
		if err != nil {
			return types.Errorf(types.ErrDDLValidation, "no data plugin %s for compound filter", fn.Name).WithPlugin(fn.Name).WithCause(err)
		}
		if err := desc.ValidateDataQuery(fn); err != nil {
			return err
		}
	}
	return nil
}

// Decode authenticates Raw and copies the envelope fields out of it.
// Only request and reply messages can be decoded.
func (m *Message) Decode() error {
	if m.Type != TypeRequest && m.Type != TypeReply {
		return types.Errorf(types.ErrUnsupportedOperation, "cannot decode %s messages", m.Type)
	}
	sec := m.env.Security

	body, err := sec.Decode(m.Raw)
	if err != nil {
		return wrapSecurity(err, "failed to decode message")
	}
	if m.Type == TypeRequest && !sec.ValidCallerID(body.CallerID) {
		return types.Errorf(types.ErrSecurityValidation, "request carries invalid caller id %q", body.CallerID)
	}

	if body.Collective != "" {
		m.Collective = body.Collective
	}
	if body.Agent != "" {
		m.Agent = body.Agent
	} else if body.SenderAgent != "" {
		m.Agent = body.SenderAgent
	}
	if body.Filter != nil {
		m.Filter = *body.Filter
	}
	if body.RequestID != "" {
		m.RequestID = body.RequestID
	}
	if body.TTL > 0 {
		m.TTL = body.TTL
	}
	if body.MsgTime > 0 {
		m.MsgTime = time.Unix(body.MsgTime, 0)
	}
	m.SenderID = body.SenderID
	m.CallerID = body.CallerID
	m.Payload = body.Body
	return nil
}

// Validate rejects expired requests and requests whose filter does not
// select this node. It is idempotent.
func (m *Message) Validate(ctx context.Context) error {
	if m.Type != TypeRequest {
		return types.Errorf(types.ErrUnsupportedOperation, "cannot validate %s messages", m.Type)
	}
	if m.validated {
		return nil
	}

	age := m.env.now().Sub(m.MsgTime)
	if age > time.Duration(m.TTL)*time.Second {
		m.env.Counters.Expired.Add(1)
		if m.env.Observer != nil {
			m.env.Observer.MessageExpired(m.Agent)
		}
		return types.Errorf(types.ErrMessageExpired, "message %s from %s is %s old, ttl is %ds",
			m.RequestID, m.CallerID, age.Truncate(time.Second), m.TTL)
	}

	if !m.env.Security.ValidateFilter(ctx, m.Filter) {
		m.env.Counters.NotTargeted.Add(1)
		if m.env.Observer != nil {
			m.env.Observer.MessageNotTargeted(m.Agent)
		}
		return types.Errorf(types.ErrNotTargeted, "message %s does not target this node", m.RequestID)
	}

	m.env.Counters.Validated.Add(1)
	m.validated = true
	return nil
}

// Publish hands the message to pub under the publish timeout. A request
// addressing at most DirectAddressingThreshold known hosts is promoted to
// a direct request first.
func (m *Message) Publish(ctx context.Context, pub Publisher) error {
	ctx, cancel := context.WithTimeout(ctx, m.env.publishTimeout())
	defer cancel()

	n := len(m.DiscoveredHosts)
	if m.Type == TypeRequest && n > 0 && m.env.DirectAddressing && n <= m.env.DirectAddressingThreshold {
		if err := m.SetType(TypeDirectRequest); err != nil {
			return err
		}
		m.env.logger().Debug("promoted request to direct request",
			zap.String("request_id", m.RequestID), zap.Int("hosts", n))
	}
	return pub.Publish(ctx, m)
}

func wrapSecurity(err error, msg string) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewError(types.ErrSecurityValidation, msg).WithCause(err)
}
