package message

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/fleetrpc/filter"
)

// Security serializes, signs and authenticates message bodies.
type Security interface {
	// EncodeRequest builds the wire body of a request.
	EncodeRequest(identity string, payload any, requestID string, f filter.Filter, agent, collective string, ttl int) ([]byte, error)
	// EncodeReply builds the wire body of a reply to callerID's request.
	EncodeReply(agent string, payload any, requestID, callerID string) ([]byte, error)
	// Decode authenticates a raw body and returns its structure.
	Decode(raw []byte) (*Body, error)
	// ValidCallerID reports whether id is a well formed caller id.
	ValidCallerID(id string) bool
	// ValidateFilter reports whether this node matches f.
	ValidateFilter(ctx context.Context, f filter.Filter) bool
	// CallerID is the id this process sends requests as.
	CallerID() string
}

// Body is the decoded structure carried by every message.
type Body struct {
	SenderID    string          `json:"senderid"`
	RequestID   string          `json:"requestid"`
	SenderAgent string          `json:"senderagent"`
	MsgTime     int64           `json:"msgtime"`
	TTL         int             `json:"ttl,omitempty"`
	Collective  string          `json:"collective,omitempty"`
	Agent       string          `json:"agent,omitempty"`
	CallerID    string          `json:"callerid,omitempty"`
	Filter      *filter.Filter  `json:"filter,omitempty"`
	Body        json.RawMessage `json:"body"`
}

// Publisher hands an encoded message to the bus.
type Publisher interface {
	Publish(ctx context.Context, m *Message) error
}

// Frame is one raw unit received from the bus.
type Frame struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Frame headers understood by every connector.
const (
	HeaderReplyTo   = "reply-to"
	HeaderTarget    = "fleet-identity"
	HeaderRequestID = "fleet-request-id"
	HeaderType      = "fleet-type"
)

// Header returns a header value or "".
func (f *Frame) Header(key string) string {
	if f == nil || f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}
