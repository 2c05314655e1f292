// Package registrar records physical replicas in the catalog and keeps the
// replicas of one object consistent with each other.
//
// Every mutation runs in a single catalog transaction through the role
// router, so a consumer process never writes. Registration tolerates the
// one cross-server race this layer knows about: two servers registering
// the same copy at once. The loser reads the winner's row back and
// returns its replica number.
package registrar

import (
	"context"

	"gridstore/pkg/catalog"
	"gridstore/pkg/errcode"
	"gridstore/pkg/metrics"
	"gridstore/pkg/physical"
	"gridstore/pkg/resource"
	"gridstore/pkg/types"

	"go.uber.org/zap"
)

// Notifier is told when a replica's content changed.
type Notifier interface {
	NotifyModified(ctx context.Context, replica types.Replica, flags types.ModifiedFlags) error
}

// Inspector reads back a registered copy from the server whose storage
// holds it. It returns physical.ErrNoStore when nothing can read the
// leaf's resource type, which skips verification.
type Inspector interface {
	Inspect(ctx context.Context, leaf *resource.Node, physicalPath, checksumLike string) (physical.Report, error)
}

// LocalInspector reads every copy through Stores on this server, whatever
// host the leaf names. It suits single-server grids and tests.
type LocalInspector struct {
	Stores *physical.Registry
}

func (l LocalInspector) Inspect(ctx context.Context, leaf *resource.Node, physicalPath, checksumLike string) (physical.Report, error) {
	return l.Stores.Inspect(ctx, leaf.Type, physicalPath, checksumLike)
}

// Registrar owns every catalog mutation of replica rows.
type Registrar struct {
	router    *catalog.Router
	tree      *resource.Tree
	inspector Inspector
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a Registrar. inspector and notifier may be nil, which skips
// physical verification and notification respectively.
func New(router *catalog.Router, tree *resource.Tree, inspector Inspector, notifier Notifier, m *metrics.Metrics, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		router:    router,
		tree:      tree,
		inspector: inspector,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
	}
}

// validateSelector rejects selectors that name no replica or more than one
// way of choosing replicas.
func validateSelector(sel types.Selector) error {
	if sel.DataID <= 0 {
		return errcode.New(errcode.SysInvalidInputParam, "data id is required")
	}
	specific := sel.ReplicaNumber != nil || sel.ResourceName != ""
	switch {
	case sel.ReplicaNumber != nil && sel.ResourceName != "":
		return errcode.New(errcode.UserIncompatibleParams, "replica number and resource name cannot both select a replica")
	case specific && sel.AllCopies:
		return errcode.New(errcode.UserIncompatibleParams, "a specific replica cannot be combined with all copies")
	case !specific && !sel.AllCopies:
		return errcode.New(errcode.SysInvalidInputParam, "no replica selected")
	}
	if sel.ReplicaNumber != nil && *sel.ReplicaNumber < 0 {
		return errcode.New(errcode.SysInvalidInputParam, "replica number %d is negative", *sel.ReplicaNumber)
	}
	return nil
}

func queryFor(sel types.Selector) catalog.Query {
	return catalog.Query{
		DataID:        sel.DataID,
		ReplicaNumber: sel.ReplicaNumber,
		ResourceName:  sel.ResourceName,
	}
}

func checkOwner(r types.Replica, caller string, admin bool) error {
	if admin || r.Owner == caller {
		return nil
	}
	return errcode.New(errcode.CatNoAccessPermission, "%q may not modify replica %d of data id %d", caller, r.ReplicaNumber, r.DataID)
}

func (r *Registrar) notify(ctx context.Context, replica types.Replica, flags types.ModifiedFlags) error {
	if r.notifier == nil {
		return nil
	}
	if err := r.notifier.NotifyModified(ctx, replica, flags); err != nil {
		r.logger.Error("Modification notification failed",
			zap.Int64("data_id", int64(replica.DataID)),
			zap.Int("replica_number", replica.ReplicaNumber),
			zap.String("hierarchy", replica.Hierarchy),
			zap.Error(err))
		if errcode.CodeOf(err) == errcode.SysInternalErr {
			return errcode.Wrap(errcode.HierarchyError, err, "notify modified")
		}
		return err
	}
	return nil
}
