package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/rpc"
	"github.com/BaSui01/fleetrpc/types"
)

// Agent handles requests for one agent name.
type Agent interface {
	Name() string
	// Timeout bounds a single request.
	Timeout() time.Duration
	// Handle returns the reply payload for a validated request.
	Handle(ctx context.Context, req *message.Message) (any, error)
}

// Request is the decoded RPC request an Action runs with.
type Request struct {
	Agent      string
	Action     string
	Data       map[string]any
	RequestID  string
	SenderID   string
	CallerID   string
	Collective string
}

// String returns a string input or "".
func (r *Request) String(key string) string {
	s, _ := r.Data[key].(string)
	return s
}

// Action implements one DDL action. Returning an error sets
// UNKNOWN_ERROR on the reply unless it was built with Abort.
type Action func(ctx context.Context, req *Request, reply *rpc.Reply) error

type abortError struct{ msg string }

func (e *abortError) Error() string { return e.msg }

// Abort returns an error that makes the reply ABORTED with msg.
func Abort(format string, args ...any) error {
	return &abortError{msg: fmt.Sprintf(format, args...)}
}

// ActionAgent is an Agent driven by its DDL: requests are validated
// against the declared inputs and replies start from the declared output
// defaults.
type ActionAgent struct {
	desc    *ddl.DDL
	actions map[string]Action
	logger  *zap.Logger
}

// NewActionAgent creates an agent for desc.
func NewActionAgent(desc *ddl.DDL, logger *zap.Logger) (*ActionAgent, error) {
	if desc == nil || desc.Kind != ddl.KindAgent {
		return nil, types.NewError(types.ErrConfiguration, "action agents need an agent descriptor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionAgent{
		desc:    desc,
		actions: make(map[string]Action),
		logger:  logger.With(zap.String("agent", desc.Name())),
	}, nil
}

// Implement binds fn to a declared action.
func (a *ActionAgent) Implement(action string, fn Action) error {
	if _, err := a.desc.ActionInterface(action); err != nil {
		return err
	}
	a.actions[action] = fn
	return nil
}

// Actions lists implemented actions sorted.
func (a *ActionAgent) Actions() []string {
	out := make([]string, 0, len(a.actions))
	for name := range a.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *ActionAgent) Name() string { return a.desc.Name() }

func (a *ActionAgent) DDL() *ddl.DDL { return a.desc }

func (a *ActionAgent) Timeout() time.Duration {
	if t := a.desc.Timeout(); t > 0 {
		return t
	}
	return rpc.DefaultTimeout
}

// Handle runs the requested action. Failures are reported through the
// reply status; the error return is reserved for requests that cannot be
// answered at all.
func (a *ActionAgent) Handle(ctx context.Context, m *message.Message) (any, error) {
	var body rpc.Request
	if err := m.DecodePayload(&body); err != nil {
		reply := rpc.NewReply()
		reply.Fail(rpc.StatusInvalidData, "could not parse request")
		return reply, nil
	}
	return a.Call(ctx, &Request{
		Agent:      a.Name(),
		Action:     body.Action,
		Data:       body.Data,
		RequestID:  m.RequestID,
		SenderID:   m.SenderID,
		CallerID:   m.CallerID,
		Collective: m.Collective,
	}), nil
}

// Call validates req and runs its action.
func (a *ActionAgent) Call(ctx context.Context, req *Request) *rpc.Reply {
	reply := rpc.NewReply()

	act, err := a.desc.ActionInterface(req.Action)
	if err != nil {
		reply.Fail(rpc.StatusUnknownAction, fmt.Sprintf("unknown action %s for agent %s", req.Action, a.Name()))
		return reply
	}
	fn, ok := a.actions[req.Action]
	if !ok {
		reply.Fail(rpc.StatusUnknownAction, fmt.Sprintf("action %s of agent %s is not implemented", req.Action, a.Name()))
		return reply
	}
	reply.Data = a.desc.ReplyDefaults(req.Action)

	for name, in := range act.Input {
		if _, present := req.Data[name]; !present && !in.Optional && in.Default == nil {
			reply.Fail(rpc.StatusMissingData, fmt.Sprintf("missing input %s", name))
			return reply
		}
	}
	data, err := a.desc.ValidateRequest(req.Action, req.Data)
	if err != nil {
		reply.Fail(rpc.StatusInvalidData, err.Error())
		return reply
	}
	req.Data = data

	if err := fn(ctx, req, reply); err != nil {
		var abort *abortError
		if errors.As(err, &abort) {
			reply.Fail(rpc.StatusAborted, abort.msg)
		} else {
			reply.Fail(rpc.StatusUnknownError, err.Error())
		}
		a.logger.Debug("action failed",
			zap.String("action", req.Action),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
	return reply
}
