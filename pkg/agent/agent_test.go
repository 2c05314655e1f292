package agent

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"gridstore/pkg/auth"
	"gridstore/pkg/catalog/memory"
	"gridstore/pkg/errcode"
	"gridstore/pkg/physical"
	"gridstore/pkg/resource"
	"gridstore/pkg/transport"
	"gridstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const (
	alpha = "alpha:1247"
	beta  = "beta:1247"
)

// network connects agents over in-memory listeners keyed by host.
type network struct {
	t         *testing.T
	listeners map[string]*bufconn.Listener
}

func newNetwork(t *testing.T) *network {
	return &network{t: t, listeners: map[string]*bufconn.Listener{}}
}

// pool dials the network's listeners. Without options it dials in
// plaintext.
func (n *network) pool(opts ...grpc.DialOption) *transport.Pool {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := n.listeners[addr]
		if !ok {
			return nil, fmt.Errorf("no server at %s", addr)
		}
		return lis.DialContext(ctx)
	}))
	pool := transport.NewPool(transport.PoolConfig{DialOptions: opts}, nil, zap.NewNop())
	n.t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func (n *network) serve(host string, a *Agent, opts ...grpc.ServerOption) {
	lis := bufconn.Listen(1 << 20)
	n.listeners[host] = lis
	srv := transport.NewServer(a, zap.NewNop(), opts...)
	go func() { _ = srv.Serve(lis) }()
	n.t.Cleanup(srv.Stop)
}

func buildTree(t *testing.T, disk1Status resource.Status) *resource.Tree {
	t.Helper()
	tree, err := resource.NewTree([]resource.Definition{
		{Name: "replResc", Type: resource.TypeReplication},
		{Name: "disk1", Type: resource.TypeUnixFilesystem, Parent: "replResc", Host: alpha, Vault: "/vault/disk1", Status: disk1Status},
		{Name: "disk2", Type: resource.TypeUnixFilesystem, Parent: "replResc", Host: beta, Vault: "/vault/disk2"},
	})
	require.NoError(t, err)
	return tree
}

func newAgent(t *testing.T, host string, role types.CatalogRole, tree *resource.Tree, n *network) *Agent {
	t.Helper()
	opts := Options{
		Zone:      "tempZone",
		LocalHost: host,
		Role:      role,
		Tree:      tree,
		Logger:    zap.NewNop(),
	}
	if role == types.RoleProvider {
		opts.Catalog = memory.New()
	} else {
		opts.ProviderHost = beta
	}
	if n != nil {
		opts.Forwarder = n.pool()
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func TestHandleCreateLocal(t *testing.T) {
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, ""), nil)

	req := &types.Request{Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/home/alice/f.txt", Owner: "alice"}}
	resp, err := a.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "replResc;disk1", resp.Hierarchy)
	assert.Equal(t, alpha, resp.ExecutedBy)
	assert.Equal(t, "/vault/disk1/home/alice/f.txt", resp.PhysicalPath)
	assert.Equal(t, -1, resp.ReplicaNumber)
	assert.NotEmpty(t, req.ID, "request id is minted")
	assert.Equal(t, req.ID, resp.RequestID)
}

func TestHandleOpenUsesReplica(t *testing.T) {
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, ""), nil)

	req := &types.Request{
		ID:     "open-1",
		Kind:   types.KindOpen,
		Object: types.LogicalObject{Path: "/tempZone/home/alice/f.txt"},
		Replicas: []types.Replica{
			{ReplicaNumber: 4, Hierarchy: "replResc;disk1", PhysicalPath: "/vault/disk1/custom", Status: types.StatusGood},
		},
	}
	resp, err := a.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 4, resp.ReplicaNumber)
	assert.Equal(t, "/vault/disk1/custom", resp.PhysicalPath)
	assert.Equal(t, "open-1", resp.RequestID)
}

func TestHandleForwardsToOwningServer(t *testing.T) {
	n := newNetwork(t)
	b := newAgent(t, beta, types.RoleProvider, buildTree(t, ""), n)
	n.serve(beta, b)

	// disk1 is down on alpha, so alpha's vote lands on beta's disk2.
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, resource.StatusDown), n)

	req := &types.Request{ID: "fwd-1", Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/home/alice/f.txt"}}
	resp, err := a.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "replResc;disk2", resp.Hierarchy)
	assert.Equal(t, beta, resp.ExecutedBy)
	assert.Equal(t, "/vault/disk2/home/alice/f.txt", resp.PhysicalPath)
	assert.Equal(t, "fwd-1", resp.RequestID)
	assert.Empty(t, req.Resolved, "caller's request is not mutated")
}

// tlsBuilder issues a certificate for host under ca and returns a builder
// using it.
func tlsBuilder(t *testing.T, ca *auth.Authority, dir, host string, allowed ...string) *auth.Builder {
	t.Helper()
	cert, key, err := ca.Issue(host, time.Hour)
	require.NoError(t, err)
	name := auth.HostOnly(host)
	certFile := filepath.Join(dir, name+".crt")
	keyFile := filepath.Join(dir, name+".key")
	require.NoError(t, auth.WriteKeyPair(cert, key, certFile, keyFile))

	b, err := auth.NewBuilder(auth.Config{
		Enabled:      true,
		CAFile:       filepath.Join(dir, "ca.crt"),
		CertFile:     certFile,
		KeyFile:      keyFile,
		AllowedHosts: allowed,
	})
	require.NoError(t, err)
	return b
}

func TestForwardOverMutualTLS(t *testing.T) {
	dir := t.TempDir()
	ca, err := auth.NewAuthority("grid", time.Hour)
	require.NoError(t, err)
	require.NoError(t, ca.Save(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")))

	betaTLS := tlsBuilder(t, ca, dir, beta, alpha)
	alphaTLS := tlsBuilder(t, ca, dir, alpha)

	n := newNetwork(t)
	b := newAgent(t, beta, types.RoleProvider, buildTree(t, ""), nil)
	n.serve(beta, b, betaTLS.ServerOptions()...)

	a, err := New(Options{
		Zone:      "tempZone",
		LocalHost: alpha,
		Role:      types.RoleProvider,
		Tree:      buildTree(t, resource.StatusDown),
		Catalog:   memory.New(),
		Forwarder: n.pool(alphaTLS.DialOptions()...),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	req := &types.Request{ID: "tls-1", Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/home/alice/f.txt"}}
	resp, err := a.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, beta, resp.ExecutedBy)

	// A plaintext peer cannot reach the TLS server.
	plain, err := New(Options{
		Zone:      "tempZone",
		LocalHost: alpha,
		Role:      types.RoleProvider,
		Tree:      buildTree(t, resource.StatusDown),
		Catalog:   memory.New(),
		Forwarder: n.pool(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = plain.Handle(ctx, &types.Request{Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/home/alice/g.txt"}})
	assert.Equal(t, errcode.UserSockConnectErr, errcode.CodeOf(err))
}

func TestConsumerForwardsCatalogRequests(t *testing.T) {
	n := newNetwork(t)
	provider := newAgent(t, beta, types.RoleProvider, buildTree(t, ""), n)
	n.serve(beta, provider)
	consumer := newAgent(t, alpha, types.RoleConsumer, buildTree(t, ""), n)

	obj := types.LogicalObject{Path: "/tempZone/home/alice/f.txt", Owner: "alice", Zone: "tempZone"}
	register := func(caller, path string) (*types.Response, error) {
		return consumer.Handle(context.Background(), &types.Request{
			Kind:   types.KindRegister,
			Caller: caller,
			Register: &types.RegisterArgs{
				Source:      types.Descriptor{Object: obj, DataID: 500, Size: 3},
				Destination: types.Descriptor{Object: obj, DataID: 500, Hierarchy: "replResc;disk2", PhysicalPath: path, Status: types.StatusGood},
			},
		})
	}

	resp, err := register("alice", "/vault/disk2/home/alice/f.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ReplicaNumber)
	assert.Equal(t, beta, resp.ExecutedBy, "the provider executed it")

	resp, err = register("alice", "/vault/disk2/home/alice/f.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ReplicaNumber, "duplicate registration returns the existing number")

	_, err = register("bob", "/vault/disk2/other")
	assert.Equal(t, errcode.CatNoAccessPermission, errcode.CodeOf(err), "provider status is returned verbatim")
}

// fileStore holds the copies one server can read.
type fileStore map[string][]byte

func (f fileStore) Stat(ctx context.Context, p string) (physical.Info, error) {
	data, ok := f[p]
	if !ok {
		return physical.Info{}, physical.ErrNotFound
	}
	return physical.Info{Size: int64(len(data))}, nil
}

func (f fileStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	data, ok := f[p]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func storesWith(files fileStore) *physical.Registry {
	r := physical.NewRegistry()
	r.Register(resource.TypeUnixFilesystem, files)
	return r
}

func TestRegistrationVerifiesCopyOnLeafHost(t *testing.T) {
	n := newNetwork(t)
	cat := memory.New()

	provider, err := New(Options{
		Zone:      "tempZone",
		LocalHost: beta,
		Role:      types.RoleProvider,
		Tree:      buildTree(t, ""),
		Catalog:   cat,
		Stores:    storesWith(fileStore{"/vault/disk1/only-on-beta": []byte("beta")}),
		Forwarder: n.pool(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	n.serve(beta, provider)

	consumer, err := New(Options{
		Zone:         "tempZone",
		LocalHost:    alpha,
		Role:         types.RoleConsumer,
		ProviderHost: beta,
		Tree:         buildTree(t, ""),
		Stores:       storesWith(fileStore{"/vault/disk1/home/alice/f.txt": []byte("hello from alpha")}),
		Forwarder:    n.pool(),
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	n.serve(alpha, consumer)

	obj := types.LogicalObject{Path: "/tempZone/home/alice/f.txt", Owner: "alice", Zone: "tempZone"}
	register := func(dataID types.DataID, path string) (*types.Response, error) {
		return consumer.Handle(context.Background(), &types.Request{
			Kind:   types.KindRegister,
			Caller: "alice",
			Register: &types.RegisterArgs{
				Source:      types.Descriptor{Object: obj, DataID: dataID, Size: 3, Checksum: "stale"},
				Destination: types.Descriptor{Object: obj, DataID: dataID, Hierarchy: "replResc;disk1", PhysicalPath: path, Status: types.StatusGood},
			},
		})
	}

	resp, err := register(600, "/vault/disk1/home/alice/f.txt")
	require.NoError(t, err, "disk1 lives on alpha, so the copy is read there")
	assert.Equal(t, beta, resp.ExecutedBy)

	tx, err := cat.Begin(context.Background())
	require.NoError(t, err)
	rows, err := tx.ListReplicas(context.Background(), 600)
	require.NoError(t, tx.Rollback())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	want := md5.Sum([]byte("hello from alpha"))
	assert.Equal(t, int64(16), rows[0].Size, "size observed on alpha")
	assert.Equal(t, hex.EncodeToString(want[:]), rows[0].Checksum)

	// A copy only the provider can see is not on disk1's host.
	_, err = register(601, "/vault/disk1/only-on-beta")
	assert.Equal(t, errcode.SysInternalErr, errcode.CodeOf(err))
}

func TestInspectWithoutStoreIsNotAnError(t *testing.T) {
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, ""), nil)
	resp, err := a.Handle(context.Background(), &types.Request{
		Kind:    types.KindInspect,
		Inspect: &types.InspectArgs{Resource: "disk1", PhysicalPath: "/vault/disk1/f"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Inspected)
	assert.Equal(t, alpha, resp.ExecutedBy)

	_, err = a.Handle(context.Background(), &types.Request{Kind: types.KindInspect})
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.CodeOf(err))
}

func TestHandleCatalogOnProvider(t *testing.T) {
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, ""), nil)
	ctx := context.Background()
	obj := types.LogicalObject{Path: "/tempZone/home/alice/f.txt", Owner: "alice", Zone: "tempZone"}

	for i, hier := range []string{"replResc;disk1", "replResc;disk2"} {
		resp, err := a.Handle(ctx, &types.Request{
			Kind:   types.KindRegister,
			Caller: "alice",
			Register: &types.RegisterArgs{
				Source:      types.Descriptor{Object: obj, DataID: 42},
				Destination: types.Descriptor{Object: obj, DataID: 42, Hierarchy: hier, PhysicalPath: fmt.Sprintf("/vault/%d/f.txt", i), Status: types.StatusGood},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, i, resp.ReplicaNumber)
	}

	sum := "def"
	zero := 0
	_, err := a.Handle(ctx, &types.Request{
		Kind:   types.KindUpdate,
		Caller: "alice",
		Update: &types.UpdateArgs{
			Selector: types.Selector{DataID: 42, ReplicaNumber: &zero},
			Updates:  types.Updates{Checksum: &sum},
		},
	})
	require.NoError(t, err)

	_, err = a.Handle(ctx, &types.Request{
		Kind:   types.KindUpdate,
		Caller: "alice",
		Update: &types.UpdateArgs{
			Selector: types.Selector{DataID: 42, ReplicaNumber: &zero, ResourceName: "disk1"},
			Updates:  types.Updates{Checksum: &sum},
		},
	})
	assert.Equal(t, errcode.UserIncompatibleParams, errcode.CodeOf(err))

	_, err = a.Handle(ctx, &types.Request{
		Kind:       types.KindUnregister,
		Caller:     "alice",
		Unregister: &types.UnregisterArgs{Selector: types.Selector{DataID: 42, AllCopies: true}},
	})
	require.NoError(t, err)

	_, err = a.Handle(ctx, &types.Request{Kind: types.KindUpdate, Caller: "alice"})
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.CodeOf(err))
}

func TestHandleRejectsUnknownKind(t *testing.T) {
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, ""), nil)
	_, err := a.Handle(context.Background(), &types.Request{Kind: "rename", Object: types.LogicalObject{Path: "/tempZone/a"}})
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.CodeOf(err))

	_, err = a.Handle(context.Background(), nil)
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.CodeOf(err))
}

func TestRemoteWithoutTransport(t *testing.T) {
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, resource.StatusDown), nil)
	_, err := a.Handle(context.Background(), &types.Request{Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/a"}})
	assert.Equal(t, errcode.SysInvalidServerHost, errcode.CodeOf(err))
}

func TestNewRequiresTreeAndHost(t *testing.T) {
	_, err := New(Options{LocalHost: alpha})
	assert.Error(t, err)
	_, err = New(Options{Tree: buildTree(t, "")})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	a := newAgent(t, alpha, types.RoleProvider, buildTree(t, ""), nil)
	closed := false
	a.closers = append(a.closers, func() error { closed = true; return nil })

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Start(lis, "127.0.0.1:0") }()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.server != nil
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	assert.True(t, closed)

	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, grpc.ErrServerStopped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
