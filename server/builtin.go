package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/client"
	"github.com/BaSui01/fleetrpc/data"
	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/rpc"
	"github.com/BaSui01/fleetrpc/types"
)

// =============================================================================
// 🏓 discovery agent
// =============================================================================

// DiscoveryAgent answers the broadcast ping used by mc discovery. A raw
// "ping" payload gets a raw "pong"; an RPC ping gets a reply carrying the
// node time.
type DiscoveryAgent struct {
	rpc *ActionAgent
	now func() time.Time
}

// NewDiscoveryAgent loads the discovery descriptor from store.
func NewDiscoveryAgent(store *ddl.Store, logger *zap.Logger) (*DiscoveryAgent, error) {
	desc, err := store.Load(ddl.KindAgent, client.PingAgent)
	if err != nil {
		return nil, err
	}
	inner, err := NewActionAgent(desc, logger)
	if err != nil {
		return nil, err
	}
	a := &DiscoveryAgent{rpc: inner, now: time.Now}
	if err := inner.Implement("ping", func(_ context.Context, _ *Request, reply *rpc.Reply) error {
		reply.Data["pong"] = a.now().Unix()
		return nil
	}); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *DiscoveryAgent) Name() string { return client.PingAgent }

func (a *DiscoveryAgent) Timeout() time.Duration { return a.rpc.Timeout() }

func (a *DiscoveryAgent) Handle(ctx context.Context, m *message.Message) (any, error) {
	var s string
	if raw, ok := m.Payload.(json.RawMessage); ok && json.Unmarshal(raw, &s) == nil {
		if s == client.PingPayload {
			return client.PongPayload, nil
		}
		return nil, types.Errorf(types.ErrInvalidArgument, "discovery agent does not understand %q", s)
	}
	return a.rpc.Handle(ctx, m)
}

// =============================================================================
// 🧰 rpcutil agent
// =============================================================================

// NewRPCUtilAgent builds the rpcutil agent exposing inv.
func NewRPCUtilAgent(store *ddl.Store, inv *Inventory, plugins *data.Manager, version string, logger *zap.Logger) (*ActionAgent, error) {
	desc, err := store.Load(ddl.KindAgent, "rpcutil")
	if err != nil {
		return nil, err
	}
	a, err := NewActionAgent(desc, logger)
	if err != nil {
		return nil, err
	}

	dataPlugins := func() []string {
		if plugins == nil {
			return []string{}
		}
		return plugins.Names()
	}

	actions := map[string]Action{
		"ping": func(_ context.Context, _ *Request, reply *rpc.Reply) error {
			reply.Data["pong"] = time.Now().Unix()
			return nil
		},
		"inventory": func(_ context.Context, _ *Request, reply *rpc.Reply) error {
			node := inv.Node()
			reply.Data["agents"] = node.Agents
			reply.Data["facts"] = node.Facts
			reply.Data["classes"] = nonNil(node.Classes)
			reply.Data["collectives"] = node.Collectives
			reply.Data["main_collective"] = inv.MainCollective()
			reply.Data["version"] = version
			reply.Data["data_plugins"] = dataPlugins()
			return nil
		},
		"get_fact": func(_ context.Context, req *Request, reply *rpc.Reply) error {
			fact := req.String("fact")
			reply.Data["fact"] = fact
			if v, ok := inv.Node().Facts[fact]; ok {
				reply.Data["value"] = v
			} else {
				reply.Data["value"] = nil
			}
			return nil
		},
		"agent_inventory": func(_ context.Context, _ *Request, reply *rpc.Reply) error {
			reply.Data["agents"] = inv.Node().Agents
			return nil
		},
		"collective_info": func(_ context.Context, _ *Request, reply *rpc.Reply) error {
			reply.Data["main_collective"] = inv.MainCollective()
			reply.Data["collectives"] = inv.Collectives()
			return nil
		},
	}
	for name, fn := range actions {
		if err := a.Implement(name, fn); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
