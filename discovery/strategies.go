package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/types"
)

// MC discovers by broadcasting a ping and collecting the senders.
type MC struct{}

func (MC) Name() string { return MethodMC }

func (MC) Capabilities() filter.Features {
	return filter.Features{Classes: true, Facts: true, Identity: true, Compound: true}
}

func (MC) DefaultTimeout() time.Duration { return 2 * time.Second }

func (MC) Discover(ctx context.Context, req Request) ([]string, error) {
	if req.Pinger == nil {
		return nil, types.NewError(types.ErrPreconditionFailed, "mc discovery needs a client to ping with").WithPlugin(MethodMC)
	}
	return req.Pinger.DiscoverViaPing(ctx, req.Filter, req.Timeout, req.Limit)
}

var identityPattern = regexp.MustCompile(`^[\w.\-]+$`)

// selectIdentities keeps the hosts matching f's identity list, preserving
// order. Without identities every host is kept.
func selectIdentities(hosts []string, f filter.Filter, limit int) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if len(f.Identities) > 0 {
			matched := false
			for _, id := range f.Identities {
				if filter.MatchString(id, h) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// readHosts reads one identity per line. Blank lines and # comments are
// skipped, duplicates dropped.
func readHosts(r io.Reader, source string) ([]string, error) {
	var hosts []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		host := strings.TrimSpace(scanner.Text())
		if host == "" || strings.HasPrefix(host, "#") {
			continue
		}
		if !identityPattern.MatchString(host) {
			return nil, types.Errorf(types.ErrInvalidArgument, "%s:%d: %q is not a valid identity", source, line, host)
		}
		if !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	return hosts, nil
}

// Flatfile reads identities from a text file named by the "file"
// option, falling back to DefaultFile.
type Flatfile struct {
	DefaultFile string
}

func (Flatfile) Name() string { return "flatfile" }

func (Flatfile) Capabilities() filter.Features {
	return filter.Features{Identity: true}
}

func (Flatfile) DefaultTimeout() time.Duration { return 0 }

func (s Flatfile) Discover(_ context.Context, req Request) ([]string, error) {
	path := req.Option("file")
	if path == "" {
		path = s.DefaultFile
	}
	if path == "" {
		return nil, types.NewError(types.ErrConfiguration, "flatfile discovery needs a file").WithPlugin("flatfile")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, types.Errorf(types.ErrConfiguration, "flatfile discovery: %v", err).WithPlugin("flatfile").WithCause(err)
	}
	defer f.Close()

	hosts, err := readHosts(f, path)
	if err != nil {
		return nil, err
	}
	return selectIdentities(hosts, req.Filter, req.Limit), nil
}

// Static discovers the identities given in the "hosts" option, either a
// []string or a reader with one identity per line.
type Static struct{}

func (Static) Name() string { return "static" }

func (Static) Capabilities() filter.Features {
	return filter.Features{Identity: true}
}

func (Static) DefaultTimeout() time.Duration { return 0 }

func (Static) Discover(_ context.Context, req Request) ([]string, error) {
	var hosts []string
	switch v := req.Options["hosts"].(type) {
	case []string:
		for _, h := range v {
			if !identityPattern.MatchString(h) {
				return nil, types.Errorf(types.ErrInvalidArgument, "%q is not a valid identity", h)
			}
		}
		hosts = v
	case io.Reader:
		var err error
		if hosts, err = readHosts(v, "stdin"); err != nil {
			return nil, err
		}
	case nil:
		hosts = filterIdentities(req.Filter)
	default:
		return nil, types.Errorf(types.ErrInvalidArgument, "static discovery hosts option has type %T", v).WithPlugin("static")
	}
	return selectIdentities(hosts, req.Filter, req.Limit), nil
}

// filterIdentities returns the exact identities of f, sorted.
func filterIdentities(f filter.Filter) []string {
	var out []string
	for _, id := range f.Identities {
		if !filter.IsRegex(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RegisterBuiltins installs mc, flatfile and static.
func (e *Engine) RegisterBuiltins(flatfile string) error {
	for _, s := range []Strategy{MC{}, Flatfile{DefaultFile: flatfile}, Static{}} {
		if err := e.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// MatchNodes returns the identities of the inventories f selects, in
// order, stopping at limit when it is positive.
func MatchNodes(ctx context.Context, nodes []filter.Node, f filter.Filter, limit int) []string {
	var hosts []string
	for _, node := range nodes {
		m := filter.NewMatcher(node, nil, filter.DefaultMatcherConfig(), nil)
		if !m.Match(ctx, f) {
			continue
		}
		hosts = append(hosts, node.Identity)
		if limit > 0 && len(hosts) == limit {
			break
		}
	}
	return hosts
}
