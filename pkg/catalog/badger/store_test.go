package badger

import (
	"context"
	"testing"

	"gridstore/pkg/catalog"
	"gridstore/pkg/catalog/catalogtest"
	"gridstore/pkg/errcode"
	"gridstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerCatalog(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) catalog.Client {
		s, err := Open(context.Background(), Config{Dir: t.TempDir()})
		require.NoError(t, err)
		return s
	})
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestConflictingCommitIsRaceSignal(t *testing.T) {
	s, err := Open(context.Background(), Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	r := types.Replica{DataID: 500, Hierarchy: "archiveResc", PhysicalPath: "/vault/500", Status: types.StatusGood}

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)

	res1 := tx1.InsertReplica(ctx, r)
	res2 := tx2.InsertReplica(ctx, r)
	require.Equal(t, catalog.InsertCreated, res1.Kind)
	require.Equal(t, catalog.InsertCreated, res2.Kind, "neither transaction sees the other before commit")

	require.NoError(t, tx1.Commit())
	err = tx2.Commit()
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.CatSuccessButWithNoInfo))
	assert.True(t, catalog.IsRaceSignal(err))
}

func TestConcurrentDistinctInsertsKeepBothRows(t *testing.T) {
	s, err := Open(context.Background(), Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	a := types.Replica{DataID: 500, Hierarchy: "diskA", PhysicalPath: "/vault/a/500", Status: types.StatusGood}
	b := types.Replica{DataID: 500, Hierarchy: "diskB", PhysicalPath: "/vault/b/500", Status: types.StatusGood}

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)

	res1 := tx1.InsertReplica(ctx, a)
	res2 := tx2.InsertReplica(ctx, b)
	require.Equal(t, catalog.InsertCreated, res1.Kind)
	require.Equal(t, catalog.InsertCreated, res2.Kind)
	require.Equal(t, 0, res1.ReplicaNumber)
	require.Equal(t, 0, res2.ReplicaNumber, "both claim the first free slot")

	require.NoError(t, tx1.Commit())
	err = tx2.Commit()
	require.Error(t, err, "the second claim on slot 0 must not overwrite the first")
	assert.True(t, catalog.IsRaceSignal(err))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	row, err := tx.FindReplica(ctx, catalog.Query{DataID: 500, Hierarchy: "diskA", PhysicalPath: "/vault/a/500"})
	require.NoError(t, err)
	assert.Equal(t, 0, row.ReplicaNumber)

	retry := tx.InsertReplica(ctx, b)
	require.Equal(t, catalog.InsertCreated, retry.Kind)
	assert.Equal(t, 1, retry.ReplicaNumber)
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.ListReplicas(ctx, 500)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "diskA", rows[0].Hierarchy)
	assert.Equal(t, "diskB", rows[1].Hierarchy)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, Config{Dir: dir})
	require.NoError(t, err)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	res := tx.InsertReplica(ctx, types.Replica{DataID: 1, Hierarchy: "disk1", PhysicalPath: "/vault/1"})
	require.Equal(t, catalog.InsertCreated, res.Kind)
	require.NoError(t, tx.Commit())
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.ListReplicas(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "disk1", rows[0].ResourceName)
}

func TestKeyOrdering(t *testing.T) {
	assert.Less(t, string(keyReplica(5, 2)), string(keyReplica(5, 10)))
	assert.NotContains(t, string(keyReplica(50, 0)), string(keyReplicaPrefix(5)))
}
