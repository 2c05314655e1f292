// Package hierarchy picks the leaf resource, and therefore the server,
// that executes a data operation.
package hierarchy

import (
	"context"
	"strings"
	"time"

	"gridstore/pkg/errcode"
	"gridstore/pkg/metrics"
	"gridstore/pkg/resource"
	"gridstore/pkg/types"

	"go.uber.org/zap"
)

// Config holds the resolver's view of the local server and zone.
type Config struct {
	Zone      string
	LocalHost string
	// FederatedZones maps a remote zone name to the address of a server in
	// that zone. Paths in zones absent from this map cannot be resolved.
	FederatedZones map[string]string
	// DefaultResource is voted when a request names no root resource.
	// Empty means every root competes.
	DefaultResource string
}

// Result is the outcome of a resolution.
type Result struct {
	Hierarchy resource.Hierarchy
	Host      string
	Score     float64
	// Voted is false when the request carried a resolved hierarchy or
	// targets another zone.
	Voted bool
	// RemoteZone is set when the path belongs to a federated zone; only
	// Host is meaningful then.
	RemoteZone string
}

// Resolver reads the in-process resource tree only. It never performs
// network or disk I/O.
type Resolver struct {
	tree     *resource.Tree
	registry *resource.Registry
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New returns a Resolver voting over tree with the voters in registry.
func New(tree *resource.Tree, registry *resource.Registry, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{tree: tree, registry: registry, cfg: cfg, metrics: m, logger: logger}
}

// Tree returns the resource tree the resolver votes over.
func (r *Resolver) Tree() *resource.Tree { return r.tree }

type candidate struct {
	node  *resource.Node
	score float64
}

// Resolve returns the hierarchy and host that should execute req.
func (r *Resolver) Resolve(ctx context.Context, req *types.Request) (*Result, error) {
	started := time.Now()
	votes := 0

	res, err := r.resolve(ctx, req, &votes)

	outcome := "ok"
	if err != nil {
		outcome = errcode.CodeOf(err).String()
	}
	r.metrics.ObserveResolve(string(req.Kind), outcome, started, votes)
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, req *types.Request, votes *int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errcode.Wrap(errcode.SysInternalErr, err, "resolution cancelled")
	}

	op, ok := req.Kind.Operation()
	if !ok {
		return nil, errcode.New(errcode.SysInvalidInputParam, "%q is not a data operation", req.Kind)
	}
	if err := validateLogicalPath(req.Object.Path); err != nil {
		return nil, err
	}

	zone := types.ZoneOf(req.Object.Path)
	if zone != r.cfg.Zone {
		host, ok := r.cfg.FederatedZones[zone]
		if !ok || host == "" {
			return nil, errcode.New(errcode.SysInvalidZoneName, "zone %q is not federated with %q", zone, r.cfg.Zone)
		}
		return &Result{Host: host, RemoteZone: zone}, nil
	}

	var confined resource.Hierarchy
	if req.ConfinedTo != "" {
		h, err := resource.ParseHierarchy(req.ConfinedTo)
		if err != nil {
			return nil, errcode.Wrap(errcode.HierarchyError, err, "invalid confining hierarchy")
		}
		confined = h
	}

	if req.Resolved != "" {
		return r.preResolved(req.Resolved, confined)
	}

	starts, err := r.startNodes(req.RootHint)
	if err != nil {
		return nil, err
	}

	vr := resource.VoteRequest{
		Operation:   op,
		LogicalPath: req.Object.Path,
		LocalHost:   r.cfg.LocalHost,
		Size:        req.Size,
		Replicas:    req.Replicas,
	}

	var best candidate
	for _, n := range starts {
		if err := r.vote(n, vr, 1.0, &best, votes); err != nil {
			return nil, err
		}
	}
	if best.node == nil {
		return nil, errcode.New(errcode.UserNoRescInputErr, "no resource can %s %s", op, req.Object.Path)
	}

	h, err := r.tree.HierarchyOf(best.node.Name)
	if err != nil {
		return nil, errcode.Wrap(errcode.HierarchyError, err, "build hierarchy")
	}
	if confined != nil && !h.HasPrefix(confined) {
		return nil, errcode.New(errcode.HierarchyError, "resolved %q lies outside %q", h, confined)
	}

	r.logger.Debug("Resolved hierarchy",
		zap.String("operation", string(op)),
		zap.String("path", req.Object.Path),
		zap.String("hierarchy", h.String()),
		zap.String("host", best.node.Host),
		zap.Float64("score", best.score))

	return &Result{Hierarchy: h, Host: best.node.Host, Score: best.score, Voted: true}, nil
}

func (r *Resolver) preResolved(s string, confined resource.Hierarchy) (*Result, error) {
	h, err := resource.ParseHierarchy(s)
	if err != nil {
		return nil, errcode.Wrap(errcode.HierarchyError, err, "invalid resolved hierarchy")
	}
	if err := r.tree.ValidateHierarchy(h); err != nil {
		return nil, errcode.Wrap(errcode.HierarchyError, err, "invalid resolved hierarchy")
	}
	if confined != nil && !h.HasPrefix(confined) {
		return nil, errcode.New(errcode.HierarchyError, "resolved %q lies outside %q", h, confined)
	}
	leaf, _ := r.tree.Node(h.Leaf())
	return &Result{Hierarchy: h, Host: leaf.Host}, nil
}

func (r *Resolver) startNodes(hint string) ([]*resource.Node, error) {
	if hint == "" {
		hint = r.cfg.DefaultResource
	}
	if hint == "" {
		return r.tree.Roots(), nil
	}
	// A hint may itself be a hierarchy; only its last named node matters.
	name := hint
	if i := strings.LastIndex(hint, resource.Separator); i >= 0 {
		name = hint[i+1:]
	}
	n, ok := r.tree.Node(name)
	if !ok {
		return nil, errcode.New(errcode.UserNoRescInputErr, "resource %q does not exist", name)
	}
	return []*resource.Node{n}, nil
}

// vote walks the subtree under n depth first in creation order. A node's
// score is the product of the weights on its path; only strictly higher
// scores replace the current best, so ties go to the earliest created.
func (r *Resolver) vote(n *resource.Node, vr resource.VoteRequest, acc float64, best *candidate, votes *int) error {
	plugin, ok := r.registry.Lookup(n.Type)
	if !ok {
		return errcode.New(errcode.SysInternalErr, "no plugin registered for resource type %q of %q", n.Type, n.Name)
	}

	vr.Node = n
	score, err := plugin.Vote(vr)
	*votes++
	if err != nil {
		return errcode.Wrap(errcode.HierarchyError, err, "resource %q failed to vote", n.Name)
	}

	total := acc * score
	if total <= 0 {
		return nil
	}
	if n.IsLeaf() {
		if best.node == nil || total > best.score {
			*best = candidate{node: n, score: total}
		}
		return nil
	}
	for _, c := range n.Children {
		if err := r.vote(c, vr, total, best, votes); err != nil {
			return err
		}
	}
	return nil
}

func validateLogicalPath(p string) error {
	if !strings.HasPrefix(p, "/") || types.ZoneOf(p) == "" {
		return errcode.New(errcode.UserInputPathErr, "logical path %q must start with /<zone>", p)
	}
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if part == "" || part == "." || part == ".." {
			return errcode.New(errcode.UserInputPathErr, "logical path %q is not canonical", p)
		}
	}
	return nil
}
