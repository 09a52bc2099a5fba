package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/fleetrpc/ddl"
	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/rpc"
)

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// filterFlags are the -F -C -I -A -S options shared by the client
// commands.
type filterFlags struct {
	facts      multiFlag
	classes    multiFlag
	identities multiFlag
	agents     multiFlag
	compound   multiFlag
}

func (ff *filterFlags) register(fs *flag.FlagSet) {
	fs.Var(&ff.facts, "F", "fact filter fact=value (repeatable)")
	fs.Var(&ff.classes, "C", "class filter (repeatable)")
	fs.Var(&ff.identities, "I", "identity filter (repeatable)")
	fs.Var(&ff.agents, "A", "agent filter (repeatable)")
	fs.Var(&ff.compound, "S", "compound filter expression (repeatable)")
}

// build turns the flags into a filter.
func (ff *filterFlags) build() (filter.Filter, error) {
	f := filter.New()
	for _, s := range ff.facts {
		fact, err := filter.ParseFact(s)
		if err != nil {
			return filter.Filter{}, fmt.Errorf("-F %s: %w", s, err)
		}
		f = f.WithFact(fact.Fact, fact.Operator, fact.Value)
	}
	for _, c := range ff.classes {
		f = f.WithClass(c)
	}
	for _, a := range ff.agents {
		f = f.WithAgent(a)
	}
	for _, id := range ff.identities {
		f = f.WithIdentity(id)
	}
	for _, src := range ff.compound {
		expr, err := filter.ParseCompound(src)
		if err != nil {
			return filter.Filter{}, fmt.Errorf("-S %q: %w", src, err)
		}
		f = f.WithCompound(expr)
	}
	return f, nil
}

// rpcFlags are the call tuning options.
type rpcFlags struct {
	filterFlags
	configPath string
	method     string
	limit      string
	batch      string
	batchSleep time.Duration
	timeout    time.Duration
	json       bool
}

func newRPCFlags(name string) (*flag.FlagSet, *rpcFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	rf := &rpcFlags{}
	rf.register(fs)
	fs.StringVar(&rf.configPath, "config", "", "Path to config file")
	fs.StringVar(&rf.method, "dm", "", "discovery method")
	fs.StringVar(&rf.limit, "limit", "", "limit targets to n nodes or n%")
	fs.StringVar(&rf.batch, "batch", "", "call in batches of n nodes or n%")
	fs.DurationVar(&rf.batchSleep, "batch-sleep", time.Second, "pause between batches")
	fs.DurationVar(&rf.timeout, "timeout", 0, "reply timeout, defaults to the action timeout")
	fs.BoolVar(&rf.json, "json", false, "print JSON")
	return fs, rf
}

// apply configures o from the flags.
func (rf *rpcFlags) apply(o *rpc.Orchestrator) error {
	f, err := rf.build()
	if err != nil {
		return err
	}
	o.SetFilter(f)

	if rf.method != "" {
		if err := o.SetDiscoveryMethod(rf.method, nil); err != nil {
			return err
		}
	}
	if rf.limit != "" {
		n, err := rpc.ParseCount(rf.limit)
		if err != nil {
			return fmt.Errorf("--limit: %w", err)
		}
		if err := o.SetLimit(n, ""); err != nil {
			return err
		}
	}
	if rf.batch != "" {
		n, err := rpc.ParseCount(rf.batch)
		if err != nil {
			return fmt.Errorf("--batch: %w", err)
		}
		if err := o.SetBatch(n, rf.batchSleep); err != nil {
			return err
		}
	}
	return nil
}

func (rf *rpcFlags) options() rpc.Options {
	return rpc.Options{Timeout: rf.timeout}
}

// parseArguments converts key=value pairs into typed action inputs using
// the action's declared input types. Undeclared keys stay strings.
func parseArguments(desc *ddl.DDL, action string, pairs []string) (map[string]any, error) {
	act, err := desc.ActionInterface(action)
	if err != nil {
		return nil, err
	}
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		in, declared := act.Input[key]
		if !declared {
			args[key] = val
			continue
		}
		v, err := in.Convert(val)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", key, err)
		}
		args[key] = v
	}
	return args, nil
}
