// Package redirect sends a request to the server that owns its resolved
// leaf, or runs it locally when that server is this one.
package redirect

import (
	"context"
	"strings"

	"gridstore/pkg/errcode"
	"gridstore/pkg/hierarchy"
	"gridstore/pkg/metrics"
	"gridstore/pkg/types"

	"go.uber.org/zap"
)

// DefaultMaxHops bounds how often one request may be forwarded.
const DefaultMaxHops = 4

// Forwarder delivers a request to another server and returns its reply.
// A reply carrying a failure status is returned together with the
// matching error.
type Forwarder interface {
	Forward(ctx context.Context, host string, req *types.Request) (*types.Response, error)
}

// Decision says where a request executes.
type Decision int

const (
	Local Decision = iota
	Remote
)

func (d Decision) String() string {
	if d == Remote {
		return "remote"
	}
	return "local"
}

// LocalFunc executes a request on this server. res is nil for catalog
// requests.
type LocalFunc func(ctx context.Context, req *types.Request, res *hierarchy.Result) (*types.Response, error)

// Config places this server in the grid.
type Config struct {
	LocalHost string
	Role      types.CatalogRole
	// ProviderHost is where consumers send catalog requests.
	ProviderHost string
	MaxHops      int
}

// Redirector decides where each request executes.
type Redirector struct {
	resolver  *hierarchy.Resolver
	forwarder Forwarder
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New returns a Redirector. A nil forwarder fails every remote decision.
func New(resolver *hierarchy.Resolver, forwarder Forwarder, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Redirector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	return &Redirector{resolver: resolver, forwarder: forwarder, cfg: cfg, metrics: m, logger: logger}
}

// Decide compares a resolved host with the local server address.
func (r *Redirector) Decide(host string) (Decision, error) {
	if host == "" {
		return Local, errcode.New(errcode.SysInvalidServerHost, "resolved hierarchy has no host")
	}
	if strings.EqualFold(host, r.cfg.LocalHost) {
		return Local, nil
	}
	return Remote, nil
}

// Data resolves a data request and either runs it through local or
// forwards it with its hierarchy frozen.
func (r *Redirector) Data(ctx context.Context, req *types.Request, local LocalFunc) (*types.Response, error) {
	res, err := r.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	decision, err := r.Decide(res.Host)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveRedirect(decision.String())

	if decision == Local {
		if res.RemoteZone != "" {
			return nil, errcode.New(errcode.SysInvalidServerHost, "zone %q resolved to this server", res.RemoteZone)
		}
		return local(ctx, req, res)
	}

	out := *req
	if res.RemoteZone == "" {
		out.Resolved = res.Hierarchy.String()
	}
	return r.forward(ctx, res.Host, &out)
}

// Catalog runs a catalog request on the provider: here when this server
// is the provider, otherwise forwarded to it.
func (r *Redirector) Catalog(ctx context.Context, req *types.Request, local LocalFunc) (*types.Response, error) {
	switch r.cfg.Role {
	case types.RoleProvider:
		r.metrics.ObserveRedirect(Local.String())
		return local(ctx, req, nil)
	case types.RoleConsumer:
		if r.cfg.ProviderHost == "" {
			return nil, errcode.New(errcode.SysInvalidServerHost, "no catalog provider configured")
		}
		if strings.EqualFold(r.cfg.ProviderHost, r.cfg.LocalHost) {
			return nil, errcode.New(errcode.SysInvalidServerHost, "consumer lists itself as catalog provider")
		}
		r.metrics.ObserveRedirect(Remote.String())
		out := *req
		return r.forward(ctx, r.cfg.ProviderHost, &out)
	default:
		return nil, errcode.New(errcode.SysServiceRoleNotSupported, "role %q is not supported", r.cfg.Role)
	}
}

// Host runs req through local when host is this server and forwards it
// there otherwise, without resolving any hierarchy.
func (r *Redirector) Host(ctx context.Context, host string, req *types.Request, local LocalFunc) (*types.Response, error) {
	decision, err := r.Decide(host)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveRedirect(decision.String())
	if decision == Local {
		return local(ctx, req, nil)
	}
	out := *req
	return r.forward(ctx, host, &out)
}

func (r *Redirector) forward(ctx context.Context, host string, req *types.Request) (*types.Response, error) {
	if r.forwarder == nil {
		return nil, errcode.New(errcode.SysInvalidServerHost, "no transport to reach %s", host)
	}
	if req.Hops >= r.cfg.MaxHops {
		return nil, errcode.New(errcode.SysInvalidServerHost, "request %s exceeded %d forwarding hops", req.ID, r.cfg.MaxHops)
	}
	req.Hops++

	r.logger.Debug("Forwarding request",
		zap.String("request_id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.String("host", host),
		zap.String("hierarchy", req.Resolved),
		zap.Int("hops", req.Hops))

	resp, err := r.forwarder.Forward(ctx, host, req)
	if err != nil {
		if errcode.CodeOf(err) == errcode.UserSockConnectErr {
			r.metrics.ObserveForwardFailure()
		}
		r.logger.Warn("Forwarded request failed",
			zap.String("request_id", req.ID),
			zap.String("host", host),
			zap.Error(err))
	}
	return resp, err
}
