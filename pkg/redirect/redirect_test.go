package redirect

import (
	"context"
	"testing"

	"gridstore/pkg/errcode"
	"gridstore/pkg/hierarchy"
	"gridstore/pkg/resource"
	"gridstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	hostA = "alpha:1247"
	hostB = "beta:1247"
)

type fakeForwarder struct {
	hosts    []string
	requests []types.Request
	resp     *types.Response
	err      error
}

func (f *fakeForwarder) Forward(ctx context.Context, host string, req *types.Request) (*types.Response, error) {
	f.hosts = append(f.hosts, host)
	f.requests = append(f.requests, *req)
	return f.resp, f.err
}

func newResolver(t *testing.T, local string) *hierarchy.Resolver {
	tree, err := resource.NewTree([]resource.Definition{
		{Name: "diskA", Type: resource.TypeUnixFilesystem, Host: hostA},
		{Name: "diskB", Type: resource.TypeUnixFilesystem, Host: hostB},
	})
	require.NoError(t, err)
	return hierarchy.New(tree, resource.NewDefaultRegistry(nil), hierarchy.Config{
		Zone:           "tempZone",
		LocalHost:      local,
		FederatedZones: map[string]string{"otherZone": "gamma:1247"},
	}, nil, zap.NewNop())
}

func localEcho(executed *bool) LocalFunc {
	return func(ctx context.Context, req *types.Request, res *hierarchy.Result) (*types.Response, error) {
		*executed = true
		resp := &types.Response{RequestID: req.ID, ExecutedBy: hostA}
		if res != nil {
			resp.Hierarchy = res.Hierarchy.String()
			resp.Host = res.Host
		}
		return resp, nil
	}
}

func TestDecide(t *testing.T) {
	r := New(nil, nil, Config{LocalHost: hostA}, nil, nil)

	d, err := r.Decide(hostA)
	require.NoError(t, err)
	assert.Equal(t, Local, d)

	d, err = r.Decide(hostB)
	require.NoError(t, err)
	assert.Equal(t, Remote, d)

	_, err = r.Decide("")
	assert.Equal(t, errcode.SysInvalidServerHost, errcode.CodeOf(err))
}

func TestDataLocal(t *testing.T) {
	fwd := &fakeForwarder{}
	r := New(newResolver(t, hostA), fwd, Config{LocalHost: hostA}, nil, nil)

	executed := false
	req := &types.Request{ID: "r1", Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/a"}}
	resp, err := r.Data(context.Background(), req, localEcho(&executed))
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, "diskA", resp.Hierarchy)
	assert.Empty(t, fwd.hosts)
}

func TestDataRemoteFreezesHierarchy(t *testing.T) {
	remoteResp := &types.Response{RequestID: "r2", Hierarchy: "diskA", Host: hostA, ExecutedBy: hostA, Message: "from alpha"}
	fwd := &fakeForwarder{resp: remoteResp}
	r := New(newResolver(t, hostB), fwd, Config{LocalHost: hostB}, nil, nil)

	executed := false
	req := &types.Request{ID: "r2", Kind: types.KindOpen, Object: types.LogicalObject{Path: "/tempZone/a"},
		Replicas: []types.Replica{{Hierarchy: "diskA", Status: types.StatusGood}}}
	resp, err := r.Data(context.Background(), req, localEcho(&executed))
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Same(t, remoteResp, resp, "remote response is returned unmodified")

	require.Len(t, fwd.requests, 1)
	assert.Equal(t, hostA, fwd.hosts[0])
	assert.Equal(t, "diskA", fwd.requests[0].Resolved)
	assert.Equal(t, 1, fwd.requests[0].Hops)
	assert.Empty(t, req.Resolved, "caller's request is not mutated")
}

func TestForwardedRequestResolvesWithoutRevoting(t *testing.T) {
	// The receiving side honours the frozen hierarchy even though its own
	// vote would prefer its local leaf.
	r := New(newResolver(t, hostA), &fakeForwarder{}, Config{LocalHost: hostA}, nil, nil)

	executed := false
	req := &types.Request{ID: "r3", Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/a"},
		Resolved: "diskB", Hops: 1}
	_, err := r.Data(context.Background(), req, localEcho(&executed))
	require.NoError(t, err)
	assert.False(t, executed, "diskB lives on beta so the request moves on")
}

func TestRemoteStatusPropagatesVerbatim(t *testing.T) {
	remoteErr := errcode.New(errcode.CatNoAccessPermission, "denied on alpha")
	fwd := &fakeForwarder{resp: &types.Response{Status: int(errcode.CatNoAccessPermission)}, err: remoteErr}
	r := New(newResolver(t, hostB), fwd, Config{LocalHost: hostB}, nil, nil)

	req := &types.Request{ID: "r4", Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/a"}, RootHint: "diskA"}
	resp, err := r.Data(context.Background(), req, localEcho(new(bool)))
	assert.Same(t, remoteErr, err)
	assert.Equal(t, int(errcode.CatNoAccessPermission), resp.Status)
}

func TestHopLimit(t *testing.T) {
	fwd := &fakeForwarder{}
	r := New(newResolver(t, hostB), fwd, Config{LocalHost: hostB, MaxHops: 2}, nil, nil)

	req := &types.Request{ID: "r5", Kind: types.KindCreate, Object: types.LogicalObject{Path: "/tempZone/a"},
		Resolved: "diskA", Hops: 2}
	_, err := r.Data(context.Background(), req, localEcho(new(bool)))
	assert.Equal(t, errcode.SysInvalidServerHost, errcode.CodeOf(err))
	assert.Empty(t, fwd.hosts)
}

func TestRemoteZoneIsForwardedUnfrozen(t *testing.T) {
	fwd := &fakeForwarder{resp: &types.Response{}}
	r := New(newResolver(t, hostA), fwd, Config{LocalHost: hostA}, nil, nil)

	req := &types.Request{ID: "r6", Kind: types.KindOpen, Object: types.LogicalObject{Path: "/otherZone/b"}}
	_, err := r.Data(context.Background(), req, localEcho(new(bool)))
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma:1247"}, fwd.hosts)
	assert.Empty(t, fwd.requests[0].Resolved, "the remote zone votes over its own tree")
}

func TestCatalogRouting(t *testing.T) {
	req := &types.Request{ID: "c1", Kind: types.KindRegister}

	t.Run("provider runs locally", func(t *testing.T) {
		fwd := &fakeForwarder{}
		r := New(nil, fwd, Config{LocalHost: hostA, Role: types.RoleProvider}, nil, nil)
		executed := false
		_, err := r.Catalog(context.Background(), req, localEcho(&executed))
		require.NoError(t, err)
		assert.True(t, executed)
		assert.Empty(t, fwd.hosts)
	})

	t.Run("consumer forwards to provider", func(t *testing.T) {
		fwd := &fakeForwarder{resp: &types.Response{}}
		r := New(nil, fwd, Config{LocalHost: hostB, Role: types.RoleConsumer, ProviderHost: hostA}, nil, nil)
		executed := false
		_, err := r.Catalog(context.Background(), req, localEcho(&executed))
		require.NoError(t, err)
		assert.False(t, executed)
		assert.Equal(t, []string{hostA}, fwd.hosts)
	})

	t.Run("consumer without provider", func(t *testing.T) {
		r := New(nil, &fakeForwarder{}, Config{LocalHost: hostB, Role: types.RoleConsumer}, nil, nil)
		_, err := r.Catalog(context.Background(), req, localEcho(new(bool)))
		assert.Equal(t, errcode.SysInvalidServerHost, errcode.CodeOf(err))
	})

	t.Run("unknown role", func(t *testing.T) {
		r := New(nil, &fakeForwarder{}, Config{LocalHost: hostB, Role: "proxy"}, nil, nil)
		_, err := r.Catalog(context.Background(), req, localEcho(new(bool)))
		assert.Equal(t, errcode.SysServiceRoleNotSupported, errcode.CodeOf(err))
	})
}

func TestHostRoutesWithoutResolving(t *testing.T) {
	fwd := &fakeForwarder{resp: &types.Response{RequestID: "r9", ExecutedBy: hostB}}
	r := New(nil, fwd, Config{LocalHost: hostA}, nil, nil)
	req := &types.Request{ID: "r9", Kind: types.KindInspect, Inspect: &types.InspectArgs{Resource: "diskB", PhysicalPath: "/vault/b"}}

	executed := false
	_, err := r.Host(context.Background(), hostA, req, localEcho(&executed))
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Empty(t, fwd.hosts)

	executed = false
	resp, err := r.Host(context.Background(), hostB, req, localEcho(&executed))
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Equal(t, hostB, resp.ExecutedBy)
	require.Len(t, fwd.requests, 1)
	assert.Equal(t, hostB, fwd.hosts[0])
	assert.Equal(t, 1, fwd.requests[0].Hops)
	assert.Zero(t, req.Hops, "caller's request is not mutated")
}
