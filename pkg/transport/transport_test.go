package transport

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"gridstore/pkg/errcode"
	"gridstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type recordingHandler struct {
	mu       sync.Mutex
	requests []*types.Request
	ids      []string
	resp     *types.Response
	err      error
}

func (h *recordingHandler) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	h.ids = append(h.ids, RequestIDFrom(ctx))
	if h.resp == nil {
		return nil, h.err
	}
	resp := *h.resp
	return &resp, h.err
}

func setupTransport(t *testing.T, h Handler) *Pool {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(h, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	pool := NewPool(PoolConfig{DialOptions: []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}}, nil, zap.NewNop())
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestCodecRoundTrip(t *testing.T) {
	num := 2
	req := &types.Request{
		ID:       "abc",
		Kind:     types.KindUpdate,
		Object:   types.LogicalObject{Path: "/tempZone/a", Owner: "alice", Zone: "tempZone"},
		DataID:   500,
		Resolved: "replResc;disk2",
		Hops:     1,
		Update: &types.UpdateArgs{
			Selector: types.Selector{DataID: 500, ReplicaNumber: &num},
			Flags:    types.UpdateFlags{NoDemote: true, OpenType: types.OpenForWrite},
		},
	}

	s, err := EncodeRequest(req)
	require.NoError(t, err)
	got, err := DecodeRequest(s)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestCodecKeepsLargeIntegers(t *testing.T) {
	const big = math.MaxInt64 - 6
	size := int64(big)
	req := &types.Request{
		ID:       "big",
		Kind:     types.KindRegister,
		DataID:   big,
		Size:     big,
		Replicas: []types.Replica{{DataID: big, Size: big, Hierarchy: "diskA"}},
		Register: &types.RegisterArgs{
			Source:      types.Descriptor{DataID: big, Size: big},
			Destination: types.Descriptor{DataID: big, Size: big, Hierarchy: "diskA", PhysicalPath: "/vault/a"},
		},
		Update: &types.UpdateArgs{
			Selector: types.Selector{DataID: big, AllCopies: true},
			Updates:  types.Updates{Size: &size},
		},
	}

	s, err := EncodeRequest(req)
	require.NoError(t, err)
	got, err := DecodeRequest(s)
	require.NoError(t, err)
	assert.Equal(t, req, got)
	assert.Equal(t, types.DataID(math.MaxInt64-6), got.DataID)

	out, err := EncodeResponse(&types.Response{Inspected: true, Size: big})
	require.NoError(t, err)
	resp, err := DecodeResponse(out)
	require.NoError(t, err)
	assert.Equal(t, int64(big), resp.Size)
}

func TestForwardRoundTrip(t *testing.T) {
	h := &recordingHandler{resp: &types.Response{Hierarchy: "diskA", Host: "alpha:1247", ExecutedBy: "alpha:1247", ReplicaNumber: 3}}
	pool := setupTransport(t, h)

	req := &types.Request{ID: "req-1", Kind: types.KindOpen, Object: types.LogicalObject{Path: "/tempZone/a"}, Resolved: "diskA", Hops: 1}
	resp, err := pool.Forward(context.Background(), "alpha:1247", req)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ReplicaNumber)
	assert.Equal(t, "diskA", resp.Hierarchy)

	require.Len(t, h.requests, 1)
	assert.Equal(t, "diskA", h.requests[0].Resolved)
	assert.Equal(t, 1, h.requests[0].Hops)
	assert.Equal(t, "req-1", h.ids[0], "request id travels in metadata")

	_, err = pool.Forward(context.Background(), "alpha:1247", req)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len(), "connection is reused")
}

func TestForwardCarriesRemoteStatus(t *testing.T) {
	h := &recordingHandler{err: errcode.New(errcode.CatNoAccessPermission, "caller bob may not register for alice")}
	pool := setupTransport(t, h)

	resp, err := pool.Forward(context.Background(), "alpha:1247", &types.Request{ID: "req-2", Kind: types.KindRegister})
	require.Error(t, err)
	assert.Equal(t, errcode.CatNoAccessPermission, errcode.CodeOf(err))
	require.NotNil(t, resp)
	assert.Equal(t, int(errcode.CatNoAccessPermission), resp.Status)
	assert.Contains(t, resp.Message, "may not register")
}

// relayHandler forwards every request to the next server, as a consumer
// does with catalog requests.
type relayHandler struct {
	next *Pool
}

func (h *relayHandler) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	return h.next.Forward(ctx, "next:1247", req)
}

func TestRemoteErrorNamesCodeOnce(t *testing.T) {
	origin := &recordingHandler{err: errcode.Wrap(errcode.SysInternalErr, errors.New("disk gone"), "stat replica")}
	relay := setupTransport(t, &relayHandler{next: setupTransport(t, origin)})

	_, err := relay.Forward(context.Background(), "relay:1247", &types.Request{ID: "req-5", Kind: types.KindRegister})
	require.Error(t, err)
	assert.Equal(t, errcode.SysInternalErr, errcode.CodeOf(err))
	assert.Equal(t, 1, strings.Count(err.Error(), "SYS_INTERNAL_ERR"), err.Error())
	assert.Equal(t, "SYS_INTERNAL_ERR: stat replica: disk gone", err.Error(), "two hops add nothing")
}

func TestForwardUnreachableHost(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())

	pool := NewPool(PoolConfig{DialOptions: []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}}, nil, nil)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := pool.Forward(ctx, "nowhere:1247", &types.Request{ID: "req-3", Kind: types.KindOpen})
	assert.Equal(t, errcode.UserSockConnectErr, errcode.CodeOf(err))
	assert.Zero(t, pool.Len(), "failed connection is dropped")
}

func TestRemoveIdle(t *testing.T) {
	pool := setupTransport(t, &recordingHandler{resp: &types.Response{}})
	_, err := pool.Forward(context.Background(), "alpha:1247", &types.Request{ID: "x", Kind: types.KindOpen})
	require.NoError(t, err)
	require.Equal(t, 1, pool.Len())

	pool.removeIdle(time.Now().Add(time.Hour))
	assert.Zero(t, pool.Len())
}
