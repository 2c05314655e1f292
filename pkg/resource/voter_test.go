package resource

import (
	"context"
	"testing"

	"gridstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(zap.NewNop())
	assert.Equal(t, []string{TypePassthru, TypeReplication, TypeS3, TypeUnixFilesystem}, r.Types())

	err := r.Register(TypeS3, LeafVoter{})
	assert.Error(t, err, "duplicate registration is rejected")
	assert.Error(t, r.Register("", LeafVoter{}))

	_, ok := r.Lookup("compound")
	assert.False(t, ok)
}

func TestParseContext(t *testing.T) {
	got := ParseContext(" read=1.5 ; write=0.25;;flag")
	assert.Equal(t, map[string]string{"read": "1.5", "write": "0.25", "flag": ""}, got)

	var opts passthruOptions
	require.NoError(t, DecodeContext("read=2;write=0.5", &opts))
	assert.Equal(t, 2.0, opts.Read)
	assert.Equal(t, 0.5, opts.Write)

	assert.Error(t, DecodeContext("read=fast", &opts))
}

func TestLeafVoter(t *testing.T) {
	local := &Node{Name: "disk1", Host: "alpha", Status: StatusUp}
	remote := &Node{Name: "disk2", Host: "beta", Status: StatusUp}
	down := &Node{Name: "disk3", Host: "alpha", Status: StatusDown}
	small := &Node{Name: "disk4", Host: "alpha", MaxObjectSize: 10}

	good := types.Replica{ResourceName: "disk1", Status: types.StatusGood}
	stale := types.Replica{Hierarchy: "replResc;disk2", Status: types.StatusStale}

	tests := []struct {
		name string
		req  VoteRequest
		want float64
	}{
		{"create local", VoteRequest{Operation: types.OpCreate, Node: local}, localScore},
		{"create remote", VoteRequest{Operation: types.OpCreate, Node: remote}, remoteScore},
		{"create down", VoteRequest{Operation: types.OpCreate, Node: down}, 0},
		{"create too large", VoteRequest{Operation: types.OpCreate, Node: small, Size: 11}, 0},
		{"open good replica", VoteRequest{Operation: types.OpOpen, Node: local, Replicas: []types.Replica{good, stale}}, localScore},
		{"open stale only", VoteRequest{Operation: types.OpOpen, Node: remote, Replicas: []types.Replica{good, stale}}, 0},
		{"write without replicas acts like create", VoteRequest{Operation: types.OpWrite, Node: remote}, remoteScore},
		{"write to stale leaf", VoteRequest{Operation: types.OpWrite, Node: remote, Replicas: []types.Replica{good, stale}}, 0},
		{"unlink stale replica", VoteRequest{Operation: types.OpUnlink, Node: remote, Replicas: []types.Replica{good, stale}}, remoteScore},
		{"unlink nothing", VoteRequest{Operation: types.OpUnlink, Node: local}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.LocalHost = "alpha"
			got, err := LeafVoter{}.Vote(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPassthruVoter(t *testing.T) {
	node := &Node{Name: "pt", Context: "read=0.75;write=0.25"}

	read, err := PassthruVoter{}.Vote(VoteRequest{Operation: types.OpOpen, Node: node})
	require.NoError(t, err)
	assert.Equal(t, 0.75, read)

	write, err := PassthruVoter{}.Vote(VoteRequest{Operation: types.OpCreate, Node: node})
	require.NoError(t, err)
	assert.Equal(t, 0.25, write)

	plain, err := PassthruVoter{}.Vote(VoteRequest{Operation: types.OpCreate, Node: &Node{Name: "pt2"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, plain)
}

type recordingPlugin struct {
	LeafVoter
	calls []string
}

func (p *recordingPlugin) Modified(ctx context.Context, node *Node, replica types.Replica, flags types.ModifiedFlags) error {
	p.calls = append(p.calls, node.Name)
	return nil
}

func TestTreeNotifierWalksLeafToRoot(t *testing.T) {
	tree, err := NewTree([]Definition{
		{Name: "root", Type: "recording"},
		{Name: "mid", Type: "recording", Parent: "root"},
		{Name: "leaf", Type: "recording", Parent: "mid", Host: "alpha"},
	})
	require.NoError(t, err)

	plugin := &recordingPlugin{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("recording", plugin))

	n := NewTreeNotifier(tree, reg, nil)
	err = n.NotifyModified(context.Background(), types.Replica{Hierarchy: "root;mid;leaf"}, types.ModifiedFlags{})
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "root"}, plugin.calls)

	err = n.NotifyModified(context.Background(), types.Replica{Hierarchy: "root;mid"}, types.ModifiedFlags{})
	assert.Error(t, err, "partial hierarchy is rejected")
}
