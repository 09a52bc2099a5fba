package data

import (
	"context"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/filter"
)

// Inventory is the node state the built-in plugins read.
type Inventory interface {
	Node() filter.Node
	MainCollective() string
}

// FactPlugin returns one fact.
type FactPlugin struct{ Inventory Inventory }

func (FactPlugin) Name() string { return "fact" }

func (p FactPlugin) Lookup(_ context.Context, query string) (Result, error) {
	v, ok := p.Inventory.Node().Facts[query]
	return Result{"exists": ok, "value": v}, nil
}

// AgentPlugin reports whether an agent is loaded.
type AgentPlugin struct {
	Inventory Inventory
	Store     *ddl.Store
}

func (AgentPlugin) Name() string { return "agent" }

func (p AgentPlugin) Lookup(_ context.Context, query string) (Result, error) {
	res := Result{"present": false, "name": query, "version": "", "timeout": 0}
	for _, a := range p.Inventory.Node().Agents {
		if a != query {
			continue
		}
		res["present"] = true
		if p.Store != nil {
			if d, err := p.Store.Load(ddl.KindAgent, a); err == nil {
				res["version"] = d.Metadata.Version
				res["timeout"] = d.Metadata.Timeout
			}
		}
		break
	}
	return res, nil
}

// CollectivePlugin reports collective membership.
type CollectivePlugin struct{ Inventory Inventory }

func (CollectivePlugin) Name() string { return "collective" }

func (p CollectivePlugin) Lookup(_ context.Context, query string) (Result, error) {
	member := false
	for _, c := range p.Inventory.Node().Collectives {
		if c == query {
			member = true
			break
		}
	}
	return Result{"member": member, "main": query == p.Inventory.MainCollective()}, nil
}

// IdentityPlugin returns the node identity.
type IdentityPlugin struct{ Inventory Inventory }

func (IdentityPlugin) Name() string { return "identity" }

func (p IdentityPlugin) Lookup(context.Context, string) (Result, error) {
	return Result{"value": p.Inventory.Node().Identity}, nil
}

// RegisterBuiltins registers fact, agent, collective and identity.
func (m *Manager) RegisterBuiltins(inv Inventory) error {
	for _, p := range []Plugin{
		FactPlugin{Inventory: inv},
		AgentPlugin{Inventory: inv, Store: m.store},
		CollectivePlugin{Inventory: inv},
		IdentityPlugin{Inventory: inv},
	} {
		if err := m.Register(p); err != nil {
			return err
		}
	}
	return nil
}
