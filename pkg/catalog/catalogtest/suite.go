// Package catalogtest holds behaviour tests shared by every catalog
// backend.
package catalogtest

import (
	"context"
	"sync"
	"testing"

	"gridstore/pkg/catalog"
	"gridstore/pkg/errcode"
	"gridstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty catalog. The suite closes it.
type Factory func(t *testing.T) catalog.Client

// Run executes the shared suite against a backend.
func Run(t *testing.T, newClient Factory) {
	t.Run("InsertAssignsSequentialNumbers", func(t *testing.T) { testInsertSequential(t, newClient(t)) })
	t.Run("InsertSameIdentityAlreadyExists", func(t *testing.T) { testInsertAlreadyExists(t, newClient(t)) })
	t.Run("FindByQuery", func(t *testing.T) { testFind(t, newClient(t)) })
	t.Run("DemoteSiblings", func(t *testing.T) { testDemote(t, newClient(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, newClient(t)) })
	t.Run("UpdateAndDelete", func(t *testing.T) { testUpdateDelete(t, newClient(t)) })
	t.Run("ConcurrentInsertSingleWinner", func(t *testing.T) { testConcurrentInsert(t, newClient(t)) })
}

func row(dataID types.DataID, hier, path string) types.Replica {
	return types.Replica{
		DataID:       dataID,
		LogicalPath:  "/tempZone/home/alice/f.txt",
		Owner:        "alice",
		Hierarchy:    hier,
		PhysicalPath: path,
		Size:         100,
		Status:       types.StatusGood,
	}
}

func insert(t *testing.T, c catalog.Client, r types.Replica) catalog.InsertResult {
	t.Helper()
	ctx := context.Background()
	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	res := tx.InsertReplica(ctx, r)
	if res.Kind == catalog.InsertCreated {
		require.NoError(t, tx.Commit())
	} else {
		require.NoError(t, tx.Rollback())
	}
	return res
}

func list(t *testing.T, c catalog.Client, dataID types.DataID) []types.Replica {
	t.Helper()
	ctx := context.Background()
	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.ListReplicas(ctx, dataID)
	require.NoError(t, err)
	return rows
}

func testInsertSequential(t *testing.T, c catalog.Client) {
	defer c.Close()

	for i, hier := range []string{"disk1", "disk2", "replResc;pt1;disk3"} {
		res := insert(t, c, row(7, hier, "/vault/7"))
		require.Equal(t, catalog.InsertCreated, res.Kind)
		assert.Equal(t, i, res.ReplicaNumber)
	}

	rows := list(t, c, 7)
	require.Len(t, rows, 3)
	assert.Equal(t, "disk3", rows[2].ResourceName, "resource name derived from hierarchy leaf")
	assert.Empty(t, list(t, c, 8))
}

func testInsertAlreadyExists(t *testing.T, c catalog.Client) {
	defer c.Close()

	first := insert(t, c, row(9, "archiveResc", "/vault/9"))
	require.Equal(t, catalog.InsertCreated, first.Kind)

	again := insert(t, c, row(9, "archiveResc", "/vault/9"))
	assert.Equal(t, catalog.InsertAlreadyExists, again.Kind)
	assert.Equal(t, first.ReplicaNumber, again.ReplicaNumber)
	assert.True(t, errcode.Is(again.Err, errcode.CatalogAlreadyHasItemByThatName))
	assert.True(t, catalog.IsRaceSignal(again.Err))

	other := insert(t, c, row(9, "archiveResc", "/vault/9b"))
	assert.Equal(t, catalog.InsertCreated, other.Kind, "a different path is a different identity")
	assert.Len(t, list(t, c, 9), 2)
}

func testFind(t *testing.T, c catalog.Client) {
	defer c.Close()
	ctx := context.Background()

	insert(t, c, row(11, "disk1", "/vault/a"))
	insert(t, c, row(11, "replResc;disk2", "/vault/b"))

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	r, err := tx.FindReplica(ctx, catalog.Query{DataID: 11, ResourceName: "disk2", PhysicalPath: "/vault/b"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.ReplicaNumber)

	zero := 0
	r, err = tx.FindReplica(ctx, catalog.Query{DataID: 11, ReplicaNumber: &zero})
	require.NoError(t, err)
	assert.Equal(t, "disk1", r.Hierarchy)

	_, err = tx.FindReplica(ctx, catalog.Query{DataID: 11, ReplicaNumber: &zero, ResourceName: "disk2"})
	assert.True(t, errcode.Is(err, errcode.CatNoRowsFound))

	_, err = tx.FindReplica(ctx, catalog.Query{DataID: 12})
	assert.True(t, errcode.Is(err, errcode.CatNoRowsFound))
}

func testDemote(t *testing.T, c catalog.Client) {
	defer c.Close()
	ctx := context.Background()

	insert(t, c, row(20, "disk1", "/vault/20"))
	insert(t, c, row(20, "disk2", "/vault/20"))
	third := row(20, "disk3", "/vault/20")
	third.Status = types.StatusStale
	insert(t, c, third)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.DemoteSiblings(ctx, 20, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, n, "already stale rows are not counted")

	rows := list(t, c, 20)
	assert.Equal(t, types.StatusGood, rows[0].Status)
	assert.Equal(t, types.StatusStale, rows[1].Status)
	assert.Equal(t, types.StatusStale, rows[2].Status)
}

func testRollback(t *testing.T, c catalog.Client) {
	defer c.Close()
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	res := tx.InsertReplica(ctx, row(30, "disk1", "/vault/30"))
	require.Equal(t, catalog.InsertCreated, res.Kind)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback is a no-op")

	assert.Empty(t, list(t, c, 30))
}

func testUpdateDelete(t *testing.T, c catalog.Client) {
	defer c.Close()
	ctx := context.Background()

	insert(t, c, row(40, "disk1", "/vault/40"))

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	r, err := tx.FindReplica(ctx, catalog.Query{DataID: 40})
	require.NoError(t, err)
	r.Checksum = "def"
	r.PhysicalPath = "/vault/40-moved"
	require.NoError(t, tx.UpdateReplica(ctx, r))

	missing := r
	missing.ReplicaNumber = 5
	assert.True(t, errcode.Is(tx.UpdateReplica(ctx, missing), errcode.CatNoRowsFound))
	require.NoError(t, tx.Commit())

	rows := list(t, c, 40)
	require.Len(t, rows, 1)
	assert.Equal(t, "def", rows[0].Checksum)

	// The moved row owns its new identity and released the old one.
	res := insert(t, c, row(40, "disk1", "/vault/40-moved"))
	assert.Equal(t, catalog.InsertAlreadyExists, res.Kind)
	res = insert(t, c, row(40, "disk1", "/vault/40"))
	assert.Equal(t, catalog.InsertCreated, res.Kind)

	tx, err = c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteReplica(ctx, 40, 0))
	assert.True(t, errcode.Is(tx.DeleteReplica(ctx, 40, 0), errcode.CatNoRowsFound))
	require.NoError(t, tx.Commit())

	rows = list(t, c, 40)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].ReplicaNumber)
}

func testConcurrentInsert(t *testing.T, c catalog.Client) {
	defer c.Close()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := c.Begin(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			res := tx.InsertReplica(ctx, row(50, "archiveResc", "/vault/50"))
			if res.Kind != catalog.InsertCreated {
				_ = tx.Rollback()
				errs[i] = res.Err
				return
			}
			errs[i] = tx.Commit()
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, catalog.IsRaceSignal(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, list(t, c, 50), 1)
}
