package security

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/message"
)

// None serializes bodies as JSON without any signature.
type None struct {
	base
}

// NewNone creates the unsigned provider.
func NewNone(cfg Config) *None {
	return &None{base: newBase(cfg, "none")}
}

// EncodeRequest implements message.Security.
func (p *None) EncodeRequest(identity string, payload any, requestID string, f filter.Filter, agent, collective string, ttl int) ([]byte, error) {
	body, err := p.requestBody(identity, payload, requestID, f, agent, collective, ttl)
	if err != nil {
		return nil, err
	}
	return json.Marshal(body)
}

// EncodeReply implements message.Security.
func (p *None) EncodeReply(agent string, payload any, requestID, _ string) ([]byte, error) {
	body, err := p.replyBody(agent, payload, requestID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(body)
}

// Decode implements message.Security.
func (p *None) Decode(raw []byte) (*message.Body, error) {
	var body message.Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if body.RequestID == "" {
		return nil, fmt.Errorf("body has no request id")
	}
	return &body, nil
}
