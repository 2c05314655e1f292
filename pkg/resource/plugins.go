package resource

import (
	"context"

	"gridstore/pkg/types"

	"go.uber.org/zap"
)

// Built-in resource types.
const (
	TypeUnixFilesystem = "unixfilesystem"
	TypeS3             = "s3"
	TypePassthru       = "passthru"
	TypeReplication    = "replication"
)

const (
	localScore  = 1.0
	remoteScore = 0.5
)

// NewDefaultRegistry registers the built-in plugins.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry()
	_ = r.Register(TypeUnixFilesystem, LeafVoter{})
	_ = r.Register(TypeS3, LeafVoter{})
	_ = r.Register(TypePassthru, PassthruVoter{})
	_ = r.Register(TypeReplication, NewReplicationVoter(logger))
	return r
}

// LeafVoter scores storage leaves. Servers prefer their own leaves; open,
// write and unlink only consider leaves that already hold a usable replica.
type LeafVoter struct{}

func (LeafVoter) Vote(req VoteRequest) (float64, error) {
	n := req.Node
	if !n.IsUp() {
		return 0, nil
	}

	base := remoteScore
	if n.Host == req.LocalHost {
		base = localScore
	}

	switch req.Operation {
	case types.OpCreate:
		if n.MaxObjectSize > 0 && req.Size > n.MaxObjectSize {
			return 0, nil
		}
		return base, nil

	case types.OpOpen:
		if hasStatus(req.ReplicasOnNode(), types.StatusGood) {
			return base, nil
		}
		return 0, nil

	case types.OpWrite:
		// A write to an object with no replicas anywhere behaves like create.
		if len(req.Replicas) == 0 {
			if n.MaxObjectSize > 0 && req.Size > n.MaxObjectSize {
				return 0, nil
			}
			return base, nil
		}
		if hasStatus(req.ReplicasOnNode(), types.StatusGood) {
			return base, nil
		}
		return 0, nil

	case types.OpUnlink:
		if len(req.ReplicasOnNode()) > 0 {
			return base, nil
		}
		return 0, nil
	}

	return 0, nil
}

func hasStatus(replicas []types.Replica, status types.ReplicaStatus) bool {
	for _, r := range replicas {
		if r.Status == status {
			return true
		}
	}
	return false
}

type passthruOptions struct {
	Read  float64 `mapstructure:"read"`
	Write float64 `mapstructure:"write"`
}

// PassthruVoter weights its single subtree with the read/write weights
// from its context string, e.g. "read=1.0;write=0.5".
type PassthruVoter struct{}

func (PassthruVoter) Vote(req VoteRequest) (float64, error) {
	if !req.Node.IsUp() {
		return 0, nil
	}
	opts := passthruOptions{Read: 1.0, Write: 1.0}
	if err := DecodeContext(req.Node.Context, &opts); err != nil {
		return 0, err
	}
	if req.Operation == types.OpOpen {
		return opts.Read, nil
	}
	return opts.Write, nil
}

// ReplicationVoter lets every child compete and reports when a child was
// modified so the siblings can be brought back in sync.
type ReplicationVoter struct {
	logger *zap.Logger
}

func NewReplicationVoter(logger *zap.Logger) *ReplicationVoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicationVoter{logger: logger}
}

func (v *ReplicationVoter) Vote(req VoteRequest) (float64, error) {
	if !req.Node.IsUp() {
		return 0, nil
	}
	return 1.0, nil
}

func (v *ReplicationVoter) Modified(ctx context.Context, node *Node, replica types.Replica, flags types.ModifiedFlags) error {
	if flags.ParentDrivenMetadataOnly {
		return nil
	}
	v.logger.Info("Replica modified under replication resource; siblings need resync",
		zap.String("resource", node.Name),
		zap.Int64("data_id", int64(replica.DataID)),
		zap.Int("replica_number", replica.ReplicaNumber),
		zap.Int("children", len(node.Children)))
	return nil
}
