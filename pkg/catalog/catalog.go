// Package catalog defines the transactional replica catalog used by the
// registrar, and the role router that decides whether this process may
// touch it at all.
package catalog

import (
	"context"

	"gridstore/pkg/errcode"
	"gridstore/pkg/resource"
	"gridstore/pkg/types"
)

// InsertKind tags the outcome of InsertReplica.
type InsertKind int

const (
	InsertCreated InsertKind = iota
	InsertAlreadyExists
	InsertFailed
)

func (k InsertKind) String() string {
	switch k {
	case InsertCreated:
		return "created"
	case InsertAlreadyExists:
		return "already_exists"
	default:
		return "failed"
	}
}

// InsertResult is the tagged result of inserting a replica row. For
// InsertCreated ReplicaNumber holds the newly assigned number; for
// InsertAlreadyExists it holds the number of the row that owns the
// identity, and Err carries the race signal.
type InsertResult struct {
	Kind          InsertKind
	ReplicaNumber int
	Err           error
}

// Query selects replica rows. Zero-valued fields are ignored, except
// DataID which is always required.
type Query struct {
	DataID        types.DataID
	ReplicaNumber *int
	ResourceName  string
	Hierarchy     string
	PhysicalPath  string
}

// Matches reports whether r satisfies every set field of q.
func (q Query) Matches(r types.Replica) bool {
	if r.DataID != q.DataID {
		return false
	}
	if q.ReplicaNumber != nil && r.ReplicaNumber != *q.ReplicaNumber {
		return false
	}
	if q.ResourceName != "" && ResourceNameOf(r) != q.ResourceName {
		return false
	}
	if q.Hierarchy != "" && r.Hierarchy != q.Hierarchy {
		return false
	}
	if q.PhysicalPath != "" && r.PhysicalPath != q.PhysicalPath {
		return false
	}
	return true
}

// ResourceNameOf returns the leaf resource a replica lives on.
func ResourceNameOf(r types.Replica) string {
	if r.ResourceName != "" {
		return r.ResourceName
	}
	return resource.LeafOf(r.Hierarchy)
}

// Client opens catalog transactions.
type Client interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one atomic unit of catalog work. A transaction that is not
// committed must be rolled back; Rollback after Commit is a no-op.
type Tx interface {
	// InsertReplica stores r under the identity (data id, hierarchy,
	// physical path), assigning the next free replica number.
	InsertReplica(ctx context.Context, r types.Replica) InsertResult
	// FindReplica returns the first row matching q in replica number
	// order, or CatNoRowsFound.
	FindReplica(ctx context.Context, q Query) (types.Replica, error)
	ListReplicas(ctx context.Context, dataID types.DataID) ([]types.Replica, error)
	// UpdateReplica overwrites the row identified by r's data id and
	// replica number.
	UpdateReplica(ctx context.Context, r types.Replica) error
	// DemoteSiblings marks every good or intermediate replica of dataID
	// other than keep as stale and returns how many rows changed.
	DemoteSiblings(ctx context.Context, dataID types.DataID, keep int) (int, error)
	DeleteReplica(ctx context.Context, dataID types.DataID, replicaNumber int) error
	Commit() error
	Rollback() error
}

// IsRaceSignal reports whether err means a concurrent writer already
// created an equivalent row. Backends report either "already has item by
// that name" (identity collision seen inside the transaction) or
// "success but with no info" (the commit lost an optimistic conflict);
// both are treated alike.
func IsRaceSignal(err error) bool {
	switch errcode.CodeOf(err) {
	case errcode.CatalogAlreadyHasItemByThatName, errcode.CatSuccessButWithNoInfo:
		return true
	}
	return false
}

// NextReplicaNumber returns one more than the highest replica number in
// rows, or zero when rows is empty.
func NextReplicaNumber(rows []types.Replica) int {
	next := 0
	for _, r := range rows {
		if r.ReplicaNumber >= next {
			next = r.ReplicaNumber + 1
		}
	}
	return next
}

// Demotable reports whether a sibling should be marked stale when
// another replica becomes authoritative.
func Demotable(r types.Replica) bool {
	return r.Status == types.StatusGood || r.Status == types.StatusIntermediate
}
