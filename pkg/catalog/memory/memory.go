// Package memory is an in-process catalog. A single lock is held for the
// lifetime of each transaction, which makes every transaction serializable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gridstore/pkg/catalog"
	"gridstore/pkg/errcode"
	"gridstore/pkg/types"
)

type rowKey struct {
	dataID types.DataID
	number int
}

// Store keeps replica rows in memory.
type Store struct {
	mu     sync.Mutex
	rows   map[rowKey]types.Replica
	closed bool
	now    func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{rows: make(map[rowKey]types.Replica), now: time.Now}
}

// Begin blocks until no other transaction is open.
func (s *Store) Begin(ctx context.Context) (catalog.Tx, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errcode.New(errcode.CatStoreErr, "catalog is closed")
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, errcode.Wrap(errcode.CatStoreErr, err, "begin transaction")
	}

	working := make(map[rowKey]types.Replica, len(s.rows))
	for k, v := range s.rows {
		working[k] = v
	}
	return &tx{store: s, rows: working}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of committed rows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type tx struct {
	store *Store
	rows  map[rowKey]types.Replica
	done  bool
}

func (t *tx) sorted(dataID types.DataID) []types.Replica {
	var out []types.Replica
	for k, v := range t.rows {
		if k.dataID == dataID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaNumber < out[j].ReplicaNumber })
	return out
}

func (t *tx) InsertReplica(ctx context.Context, r types.Replica) catalog.InsertResult {
	if t.done {
		return catalog.InsertResult{Kind: catalog.InsertFailed, Err: errTxDone()}
	}
	existing := t.sorted(r.DataID)
	for _, e := range existing {
		if e.Hierarchy == r.Hierarchy && e.PhysicalPath == r.PhysicalPath {
			return catalog.InsertResult{
				Kind:          catalog.InsertAlreadyExists,
				ReplicaNumber: e.ReplicaNumber,
				Err: errcode.New(errcode.CatalogAlreadyHasItemByThatName,
					"data id %d already has a replica at %s on %s", r.DataID, r.PhysicalPath, r.Hierarchy),
			}
		}
	}

	r.ReplicaNumber = catalog.NextReplicaNumber(existing)
	if r.ResourceName == "" {
		r.ResourceName = catalog.ResourceNameOf(r)
	}
	r.ModifiedAt = t.store.now()
	t.rows[rowKey{r.DataID, r.ReplicaNumber}] = r
	return catalog.InsertResult{Kind: catalog.InsertCreated, ReplicaNumber: r.ReplicaNumber}
}

func (t *tx) FindReplica(ctx context.Context, q catalog.Query) (types.Replica, error) {
	if t.done {
		return types.Replica{}, errTxDone()
	}
	for _, r := range t.sorted(q.DataID) {
		if q.Matches(r) {
			return r, nil
		}
	}
	return types.Replica{}, errcode.New(errcode.CatNoRowsFound, "no replica of data id %d matches", q.DataID)
}

func (t *tx) ListReplicas(ctx context.Context, dataID types.DataID) ([]types.Replica, error) {
	if t.done {
		return nil, errTxDone()
	}
	return t.sorted(dataID), nil
}

func (t *tx) UpdateReplica(ctx context.Context, r types.Replica) error {
	if t.done {
		return errTxDone()
	}
	k := rowKey{r.DataID, r.ReplicaNumber}
	if _, ok := t.rows[k]; !ok {
		return errcode.New(errcode.CatNoRowsFound, "replica %d of data id %d does not exist", r.ReplicaNumber, r.DataID)
	}
	r.ModifiedAt = t.store.now()
	t.rows[k] = r
	return nil
}

func (t *tx) DemoteSiblings(ctx context.Context, dataID types.DataID, keep int) (int, error) {
	if t.done {
		return 0, errTxDone()
	}
	n := 0
	for _, r := range t.sorted(dataID) {
		if r.ReplicaNumber == keep || !catalog.Demotable(r) {
			continue
		}
		r.Status = types.StatusStale
		r.ModifiedAt = t.store.now()
		t.rows[rowKey{dataID, r.ReplicaNumber}] = r
		n++
	}
	return n, nil
}

func (t *tx) DeleteReplica(ctx context.Context, dataID types.DataID, replicaNumber int) error {
	if t.done {
		return errTxDone()
	}
	k := rowKey{dataID, replicaNumber}
	if _, ok := t.rows[k]; !ok {
		return errcode.New(errcode.CatNoRowsFound, "replica %d of data id %d does not exist", replicaNumber, dataID)
	}
	delete(t.rows, k)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone()
	}
	t.store.rows = t.rows
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func errTxDone() error {
	return errcode.New(errcode.CatStoreErr, "transaction already finished")
}
