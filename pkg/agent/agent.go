// Package agent is one gridstore server process: it resolves and
// redirects data requests, runs catalog requests through the registrar,
// and serves requests forwarded by other servers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"gridstore/pkg/catalog"
	"gridstore/pkg/errcode"
	"gridstore/pkg/hierarchy"
	"gridstore/pkg/metrics"
	"gridstore/pkg/physical"
	"gridstore/pkg/redirect"
	"gridstore/pkg/registrar"
	"gridstore/pkg/resource"
	"gridstore/pkg/transport"
	"gridstore/pkg/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Options wires an Agent from already constructed parts.
type Options struct {
	Zone            string
	LocalHost       string
	Role            types.CatalogRole
	ProviderHost    string
	FederatedZones  map[string]string
	DefaultResource string
	MaxHops         int

	Tree    *resource.Tree
	Voters  *resource.Registry
	Catalog catalog.Client
	// Stores read the copies held on this server. Nil disables physical
	// verification of registrations run here.
	Stores *physical.Registry

	// Forwarder reaches other servers. Nil means every remote decision
	// fails with SYS_INVALID_SERVER_HOST.
	Forwarder redirect.Forwarder

	// ServerOptions configure the server Start runs, e.g. TLS credentials.
	ServerOptions []grpc.ServerOption

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Agent is one server of the grid.
type Agent struct {
	localHost string
	role      types.CatalogRole

	tree       *resource.Tree
	stores     *physical.Registry
	resolver   *hierarchy.Resolver
	redirector *redirect.Redirector
	registrar  *registrar.Registrar

	serverOpts []grpc.ServerOption
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *zap.Logger

	mu         sync.Mutex
	server     *transport.Server
	httpServer *http.Server
	closers    []func() error
}

// New wires an Agent from opts. Tree and LocalHost are required.
func New(opts Options) (*Agent, error) {
	if opts.Tree == nil {
		return nil, fmt.Errorf("resource tree is required")
	}
	if opts.LocalHost == "" {
		return nil, fmt.Errorf("local host is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Voters == nil {
		opts.Voters = resource.NewDefaultRegistry(opts.Logger)
	}

	logger := opts.Logger.With(zap.String("host", opts.LocalHost))

	resolver := hierarchy.New(opts.Tree, opts.Voters, hierarchy.Config{
		Zone:            opts.Zone,
		LocalHost:       opts.LocalHost,
		FederatedZones:  opts.FederatedZones,
		DefaultResource: opts.DefaultResource,
	}, opts.Metrics, logger.Named("resolver"))

	redirector := redirect.New(resolver, opts.Forwarder, redirect.Config{
		LocalHost:    opts.LocalHost,
		Role:         opts.Role,
		ProviderHost: opts.ProviderHost,
		MaxHops:      opts.MaxHops,
	}, opts.Metrics, logger.Named("redirect"))

	router := catalog.NewRouter(opts.Role, opts.Catalog, logger.Named("catalog"))
	notifier := resource.NewTreeNotifier(opts.Tree, opts.Voters, logger.Named("notify"))

	a := &Agent{
		localHost:  opts.LocalHost,
		role:       opts.Role,
		tree:       opts.Tree,
		stores:     opts.Stores,
		resolver:   resolver,
		redirector: redirector,
		serverOpts: opts.ServerOptions,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		logger:     logger,
	}

	var inspector registrar.Inspector
	if opts.Stores != nil {
		inspector = a
	}
	a.registrar = registrar.New(router, opts.Tree, inspector, notifier, opts.Metrics, logger.Named("registrar"))
	return a, nil
}

func (a *Agent) Tree() *resource.Tree { return a.tree }

func (a *Agent) Resolver() *hierarchy.Resolver { return a.resolver }

// Registrar returns the registrar catalog requests run through.
func (a *Agent) Registrar() *registrar.Registrar { return a.registrar }

// Handle runs one client or forwarded request. The returned response is
// never altered on its way back through forwarding servers.
func (a *Agent) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req == nil {
		return nil, errcode.New(errcode.SysInvalidInputParam, "empty request")
	}
	if req.ID == "" {
		req.ID = transport.RequestIDFrom(ctx)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = transport.WithRequestID(ctx, req.ID)

	var (
		resp *types.Response
		err  error
	)
	switch {
	case req.Kind.IsCatalog():
		resp, err = a.redirector.Catalog(ctx, req, a.execCatalog)
	case req.Kind == types.KindInspect:
		resp, err = a.routeInspect(ctx, req)
	default:
		if _, ok := req.Kind.Operation(); !ok {
			return nil, errcode.New(errcode.SysInvalidInputParam, "unknown request kind %q", req.Kind)
		}
		resp, err = a.redirector.Data(ctx, req, a.execData)
	}

	if err != nil {
		a.logger.Debug("Request failed",
			zap.String("request_id", req.ID),
			zap.String("kind", string(req.Kind)),
			zap.String("path", req.Object.Path),
			zap.Int("hops", req.Hops),
			zap.Stringer("status", errcode.CodeOf(err)),
			zap.Error(err))
	}
	if resp != nil && resp.RequestID == "" {
		resp.RequestID = req.ID
	}
	return resp, err
}

// execData runs a data request whose hierarchy resolved to this server.
func (a *Agent) execData(ctx context.Context, req *types.Request, res *hierarchy.Result) (*types.Response, error) {
	hier := res.Hierarchy.String()
	leaf, err := a.tree.LeafNode(hier)
	if err != nil {
		return nil, errcode.Wrap(errcode.HierarchyError, err, "")
	}

	resp := &types.Response{
		RequestID:     req.ID,
		Hierarchy:     hier,
		Host:          res.Host,
		ExecutedBy:    a.localHost,
		PhysicalPath:  leaf.PhysicalPathFor(req.Object.Path),
		ReplicaNumber: -1,
	}
	for _, r := range req.Replicas {
		if r.Hierarchy == hier || catalog.ResourceNameOf(r) == leaf.Name {
			resp.PhysicalPath = r.PhysicalPath
			resp.ReplicaNumber = r.ReplicaNumber
			break
		}
	}

	a.logger.Debug("Executing locally",
		zap.String("request_id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.String("hierarchy", hier),
		zap.Bool("voted", res.Voted),
		zap.Float64("score", res.Score))
	return resp, nil
}

// execCatalog runs a catalog request on this server, which is the
// provider.
func (a *Agent) execCatalog(ctx context.Context, req *types.Request, _ *hierarchy.Result) (*types.Response, error) {
	resp := &types.Response{RequestID: req.ID, ExecutedBy: a.localHost, ReplicaNumber: -1}

	switch req.Kind {
	case types.KindRegister:
		args := req.Register
		if args == nil {
			return nil, errcode.New(errcode.SysInvalidInputParam, "register request carries no arguments")
		}
		opts := args.Options
		if opts.Caller == "" {
			opts.Caller = req.Caller
		}
		num, err := a.registrar.RegisterReplica(ctx, args.Source, args.Destination, opts)
		resp.Hierarchy = args.Destination.Hierarchy
		resp.PhysicalPath = args.Destination.PhysicalPath
		resp.ReplicaNumber = num
		return resp, err

	case types.KindUpdate:
		args := req.Update
		if args == nil {
			return nil, errcode.New(errcode.SysInvalidInputParam, "update request carries no arguments")
		}
		flags := args.Flags
		if flags.Caller == "" {
			flags.Caller = req.Caller
		}
		return resp, a.registrar.UpdateReplicaMetadata(ctx, args.Selector, args.Updates, flags)

	case types.KindUnregister:
		args := req.Unregister
		if args == nil {
			return nil, errcode.New(errcode.SysInvalidInputParam, "unregister request carries no arguments")
		}
		flags := args.Flags
		if flags.Caller == "" {
			flags.Caller = req.Caller
		}
		return resp, a.registrar.UnregisterReplica(ctx, args.Selector, flags)
	}
	return nil, errcode.New(errcode.SysInvalidInputParam, "%q is not a catalog request", req.Kind)
}

// Inspect reads a registered copy on the server named by leaf.Host: from
// this server's stores when that is this server, otherwise by forwarding
// an inspect request there.
func (a *Agent) Inspect(ctx context.Context, leaf *resource.Node, physicalPath, checksumLike string) (physical.Report, error) {
	req := &types.Request{
		ID:   transport.RequestIDFrom(ctx),
		Kind: types.KindInspect,
		Inspect: &types.InspectArgs{
			Resource:     leaf.Name,
			PhysicalPath: physicalPath,
			ChecksumLike: checksumLike,
		},
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	resp, err := a.redirector.Host(ctx, leaf.Host, req, a.execInspect)
	if err != nil {
		return physical.Report{}, err
	}
	if !resp.Inspected {
		return physical.Report{}, fmt.Errorf("%w %q on %s", physical.ErrNoStore, leaf.Type, resp.ExecutedBy)
	}
	return physical.Report{Size: resp.Size, Checksum: resp.Checksum}, nil
}

func (a *Agent) routeInspect(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req.Inspect == nil {
		return nil, errcode.New(errcode.SysInvalidInputParam, "inspect request carries no arguments")
	}
	leaf, ok := a.tree.Node(req.Inspect.Resource)
	if !ok {
		return nil, errcode.New(errcode.HierarchyError, "unknown resource %q", req.Inspect.Resource)
	}
	return a.redirector.Host(ctx, leaf.Host, req, a.execInspect)
}

// execInspect reads a copy from this server's stores. A missing store is
// reported with Inspected unset rather than as an error.
func (a *Agent) execInspect(ctx context.Context, req *types.Request, _ *hierarchy.Result) (*types.Response, error) {
	args := req.Inspect
	leaf, ok := a.tree.Node(args.Resource)
	if !ok {
		return nil, errcode.New(errcode.HierarchyError, "unknown resource %q", args.Resource)
	}
	resp := &types.Response{
		RequestID:     req.ID,
		Host:          leaf.Host,
		ExecutedBy:    a.localHost,
		PhysicalPath:  args.PhysicalPath,
		ReplicaNumber: -1,
	}

	report, err := a.stores.Inspect(ctx, leaf.Type, args.PhysicalPath, args.ChecksumLike)
	if errors.Is(err, physical.ErrNoStore) {
		return resp, nil
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.SysInternalErr, err, "inspect on %s", a.localHost)
	}

	a.logger.Debug("Inspected physical copy",
		zap.String("request_id", req.ID),
		zap.String("resource", leaf.Name),
		zap.String("physical_path", args.PhysicalPath),
		zap.Int64("size", report.Size))

	resp.Inspected = true
	resp.Size = report.Size
	resp.Checksum = report.Checksum
	return resp, nil
}

// Start serves forwarded requests on lis and, when metricsAddr is set,
// the metrics endpoint. It blocks until Stop.
func (a *Agent) Start(lis net.Listener, metricsAddr string) error {
	a.mu.Lock()
	a.server = transport.NewServer(a, a.logger.Named("transport"), a.serverOpts...)
	srv := a.server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		metrics.RegisterHandlers(mux, a.gatherer, a.logger)
		a.httpServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpServer := a.httpServer
		go func() {
			a.logger.Info("Metrics listening", zap.String("address", metricsAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}
	a.mu.Unlock()

	a.logger.Info("Agent starting",
		zap.String("address", lis.Addr().String()),
		zap.String("role", string(a.role)))
	return srv.Serve(lis)
}

// Stop shuts down the servers, then releases the catalog and transport.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if a.httpServer != nil {
		if shutdownErr := a.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("metrics server: %w", shutdownErr))
		}
	}
	if a.server != nil {
		a.server.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	a.logger.Info("Agent stopped")
	return err
}
