// Package badger is a persistent catalog backed by BadgerDB. Transactions
// are optimistic: a commit that read a key another transaction wrote in
// the meantime fails and is reported as CatSuccessButWithNoInfo.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gridstore/pkg/catalog"
	"gridstore/pkg/errcode"
	"gridstore/pkg/types"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Config configures the store.
type Config struct {
	// Dir holds the database files. Empty with InMemory unset is an error.
	Dir      string
	InMemory bool
}

// Store is a catalog.Client over a BadgerDB instance.
type Store struct {
	db  *badgerdb.DB
	now func() time.Time
}

// Open opens or creates the database described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger catalog requires a directory")
	}

	opts := badgerdb.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badgerdb.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Begin starts a read-write transaction. Conflicts surface at Commit.
func (s *Store) Begin(ctx context.Context) (catalog.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, errcode.Wrap(errcode.CatStoreErr, err, "begin transaction")
	}
	return &tx{txn: s.db.NewTransaction(true), now: s.now}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	txn  *badgerdb.Txn
	now  func() time.Time
	done bool
}

func (t *tx) list(dataID types.DataID) ([]types.Replica, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = keyReplicaPrefix(dataID)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []types.Replica
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, errcode.Wrap(errcode.CatStoreErr, err, "read replica row")
		}
		var r types.Replica
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, errcode.Wrap(errcode.CatStoreErr, err, "decode replica row")
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *tx) put(r types.Replica) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errcode.Wrap(errcode.CatStoreErr, err, "encode replica row")
	}
	if err := t.txn.Set(keyReplica(r.DataID, r.ReplicaNumber), raw); err != nil {
		return errcode.Wrap(errcode.CatStoreErr, err, "write replica row")
	}
	return nil
}

func (t *tx) get(dataID types.DataID, number int) (types.Replica, error) {
	item, err := t.txn.Get(keyReplica(dataID, number))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return types.Replica{}, errcode.New(errcode.CatNoRowsFound, "replica %d of data id %d does not exist", number, dataID)
	}
	if err != nil {
		return types.Replica{}, errcode.Wrap(errcode.CatStoreErr, err, "read replica row")
	}
	var r types.Replica
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return types.Replica{}, errcode.Wrap(errcode.CatStoreErr, err, "decode replica row")
	}
	return r, nil
}

func (t *tx) InsertReplica(ctx context.Context, r types.Replica) catalog.InsertResult {
	if t.done {
		return catalog.InsertResult{Kind: catalog.InsertFailed, Err: errTxDone()}
	}
	failed := func(err error) catalog.InsertResult {
		return catalog.InsertResult{Kind: catalog.InsertFailed, Err: err}
	}

	idKey := keyIdentity(r.DataID, r.Hierarchy, r.PhysicalPath)
	item, err := t.txn.Get(idKey)
	switch {
	case err == nil:
		var owner int
		err = item.Value(func(val []byte) error {
			n, err := decodeNumber(val)
			owner = n
			return err
		})
		if err != nil {
			return failed(errcode.Wrap(errcode.CatStoreErr, err, "decode identity index"))
		}
		return catalog.InsertResult{
			Kind:          catalog.InsertAlreadyExists,
			ReplicaNumber: owner,
			Err: errcode.New(errcode.CatalogAlreadyHasItemByThatName,
				"data id %d already has a replica at %s on %s", r.DataID, r.PhysicalPath, r.Hierarchy),
		}
	case !errors.Is(err, badgerdb.ErrKeyNotFound):
		return failed(errcode.Wrap(errcode.CatStoreErr, err, "read identity index"))
	}

	existing, err := t.list(r.DataID)
	if err != nil {
		return failed(err)
	}
	r.ReplicaNumber = catalog.NextReplicaNumber(existing)

	// The prefix scan only tracks rows it saw. Reading the empty slot puts
	// it in the read set, so a concurrent insert claiming the same number
	// fails to commit instead of overwriting this row.
	slot := keyReplica(r.DataID, r.ReplicaNumber)
	switch _, err := t.txn.Get(slot); {
	case err == nil:
		return failed(errcode.New(errcode.CatSuccessButWithNoInfo,
			"replica %d of data id %d is already taken", r.ReplicaNumber, r.DataID))
	case !errors.Is(err, badgerdb.ErrKeyNotFound):
		return failed(errcode.Wrap(errcode.CatStoreErr, err, "read replica slot"))
	}

	if r.ResourceName == "" {
		r.ResourceName = catalog.ResourceNameOf(r)
	}
	r.ModifiedAt = t.now()

	if err := t.put(r); err != nil {
		return failed(err)
	}
	if err := t.txn.Set(idKey, encodeNumber(r.ReplicaNumber)); err != nil {
		return failed(errcode.Wrap(errcode.CatStoreErr, err, "write identity index"))
	}
	return catalog.InsertResult{Kind: catalog.InsertCreated, ReplicaNumber: r.ReplicaNumber}
}

func (t *tx) FindReplica(ctx context.Context, q catalog.Query) (types.Replica, error) {
	if t.done {
		return types.Replica{}, errTxDone()
	}
	if q.ReplicaNumber != nil {
		r, err := t.get(q.DataID, *q.ReplicaNumber)
		if err != nil {
			return types.Replica{}, err
		}
		if !q.Matches(r) {
			return types.Replica{}, errcode.New(errcode.CatNoRowsFound, "no replica of data id %d matches", q.DataID)
		}
		return r, nil
	}

	rows, err := t.list(q.DataID)
	if err != nil {
		return types.Replica{}, err
	}
	for _, r := range rows {
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
	return t.list(dataID)
}

func (t *tx) UpdateReplica(ctx context.Context, r types.Replica) error {
	if t.done {
		return errTxDone()
	}
	prev, err := t.get(r.DataID, r.ReplicaNumber)
	if err != nil {
		return err
	}
	if prev.Hierarchy != r.Hierarchy || prev.PhysicalPath != r.PhysicalPath {
		if err := t.txn.Delete(keyIdentity(prev.DataID, prev.Hierarchy, prev.PhysicalPath)); err != nil {
			return errcode.Wrap(errcode.CatStoreErr, err, "drop identity index")
		}
		if err := t.txn.Set(keyIdentity(r.DataID, r.Hierarchy, r.PhysicalPath), encodeNumber(r.ReplicaNumber)); err != nil {
			return errcode.Wrap(errcode.CatStoreErr, err, "write identity index")
		}
	}
	r.ModifiedAt = t.now()
	return t.put(r)
}

func (t *tx) DemoteSiblings(ctx context.Context, dataID types.DataID, keep int) (int, error) {
	if t.done {
		return 0, errTxDone()
	}
	rows, err := t.list(dataID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if r.ReplicaNumber == keep || !catalog.Demotable(r) {
			continue
		}
		r.Status = types.StatusStale
		r.ModifiedAt = t.now()
		if err := t.put(r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *tx) DeleteReplica(ctx context.Context, dataID types.DataID, replicaNumber int) error {
	if t.done {
		return errTxDone()
	}
	r, err := t.get(dataID, replicaNumber)
	if err != nil {
		return err
	}
	if err := t.txn.Delete(keyReplica(dataID, replicaNumber)); err != nil {
		return errcode.Wrap(errcode.CatStoreErr, err, "delete replica row")
	}
	if err := t.txn.Delete(keyIdentity(dataID, r.Hierarchy, r.PhysicalPath)); err != nil {
		return errcode.Wrap(errcode.CatStoreErr, err, "drop identity index")
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone()
	}
	t.done = true
	err := t.txn.Commit()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerdb.ErrConflict):
		return errcode.Wrap(errcode.CatSuccessButWithNoInfo, err, "concurrent transaction changed the rows this one read")
	default:
		return errcode.Wrap(errcode.CatStoreErr, err, "commit")
	}
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Discard()
	return nil
}

func errTxDone() error {
	return errcode.New(errcode.CatStoreErr, "transaction already finished")
}
