// Package security provides message security providers: "none", which
// serializes bodies as plain JSON, and "jwt", which signs every body as
// an HS256 token so forged or altered messages are rejected on decode.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os/user"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/plugin"
)

// callerIDPattern accepts ids such as "user=alice" or "cert=ops.example".
var callerIDPattern = regexp.MustCompile(`^[\w]+=[\w.\-@]+$`)

// FilterMatcher decides whether a request filter selects this node.
type FilterMatcher interface {
	Match(ctx context.Context, f filter.Filter) bool
}

// Config configures a provider.
type Config struct {
	// Identity is the sender id written into every body.
	Identity string
	// CallerID overrides the default "user=<login>".
	CallerID string
	// Secret signs jwt bodies.
	Secret string
	// Matcher validates request filters on nodes. Nil matches everything.
	Matcher FilterMatcher
	Now     func() time.Time
	Logger  *zap.Logger
}

// base carries what every provider shares.
type base struct {
	identity string
	callerID string
	matcher  FilterMatcher
	now      func() time.Time
	logger   *zap.Logger
}

func newBase(cfg Config, name string) base {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CallerID == "" {
		cfg.CallerID = DefaultCallerID()
	}
	return base{
		identity: cfg.Identity,
		callerID: cfg.CallerID,
		matcher:  cfg.Matcher,
		now:      cfg.Now,
		logger:   cfg.Logger.With(zap.String("component", "security"), zap.String("provider", name)),
	}
}

// DefaultCallerID returns "user=<login>" for the current process.
func DefaultCallerID() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "user=" + sanitize(u.Username)
	}
	return "user=unknown"
}

func sanitize(s string) string {
	out := []rune(s)
	for i, r := range out {
		if !(r == '.' || r == '-' || r == '@' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			out[i] = '_'
		}
	}
	return string(out)
}

func (b base) CallerID() string {
	return b.callerID
}

func (b base) ValidCallerID(id string) bool {
	return callerIDPattern.MatchString(id)
}

func (b base) ValidateFilter(ctx context.Context, f filter.Filter) bool {
	if b.matcher == nil {
		return true
	}
	return b.matcher.Match(ctx, f)
}

func (b base) requestBody(identity string, payload any, requestID string, f filter.Filter, agent, collective string, ttl int) (*message.Body, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	if identity == "" {
		identity = b.identity
	}
	ff := f.Clone()
	return &message.Body{
		SenderID:    identity,
		RequestID:   requestID,
		SenderAgent: agent,
		MsgTime:     b.now().Unix(),
		TTL:         ttl,
		Collective:  collective,
		Agent:       agent,
		CallerID:    b.callerID,
		Filter:      &ff,
		Body:        raw,
	}, nil
}

func (b base) replyBody(agent string, payload any, requestID string) (*message.Body, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal reply payload: %w", err)
	}
	return &message.Body{
		SenderID:    b.identity,
		RequestID:   requestID,
		SenderAgent: agent,
		MsgTime:     b.now().Unix(),
		Body:        raw,
	}, nil
}

// Register adds the "none" and "jwt" providers to reg under
// "security/<name>" as singletons built from cfg.
func Register(reg *plugin.Registry, cfg Config) error {
	if err := reg.Register(plugin.Key("security", "none"), plugin.Single, func() (any, error) {
		return NewNone(cfg), nil
	}); err != nil {
		return err
	}
	return reg.Register(plugin.Key("security", "jwt"), plugin.Single, func() (any, error) {
		return NewJWT(cfg)
	})
}

// Lookup resolves a registered provider by name.
func Lookup(reg *plugin.Registry, name string) (message.Security, error) {
	return plugin.Lookup[message.Security](reg, plugin.Key("security", name))
}
