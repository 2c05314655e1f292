package catalog

import (
	"context"
	"errors"
	"testing"

	"gridstore/pkg/errcode"
	"gridstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClient struct {
	begins    int
	commits   int
	rollbacks int
}

func (c *countingClient) Begin(ctx context.Context) (Tx, error) {
	c.begins++
	return &countingTx{c: c}, nil
}

func (c *countingClient) Close() error { return nil }

type countingTx struct {
	Tx
	c *countingClient
}

func (t *countingTx) Commit() error   { t.c.commits++; return nil }
func (t *countingTx) Rollback() error { t.c.rollbacks++; return nil }

func TestRouterRoles(t *testing.T) {
	tests := []struct {
		name string
		role types.CatalogRole
		want errcode.Code
	}{
		{"consumer", types.RoleConsumer, errcode.SysNoRcatServerErr},
		{"unknown", types.CatalogRole("proxy"), errcode.SysServiceRoleNotSupported},
		{"empty", types.CatalogRole(""), errcode.SysServiceRoleNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &countingClient{}
			r := NewRouter(tt.role, client, nil)

			called := false
			err := r.Update(context.Background(), func(tx Tx) error {
				called = true
				return nil
			})
			assert.Equal(t, tt.want, errcode.CodeOf(err))
			assert.False(t, called)
			assert.Zero(t, client.begins, "no transaction may be opened")
		})
	}
}

func TestRouterProviderCommitsAndRollsBack(t *testing.T) {
	client := &countingClient{}
	r := NewRouter(types.RoleProvider, client, nil)
	ctx := context.Background()

	require.NoError(t, r.Update(ctx, func(tx Tx) error { return nil }))
	assert.Equal(t, 1, client.commits)

	boom := errors.New("boom")
	err := r.Update(ctx, func(tx Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, client.rollbacks)

	require.NoError(t, r.View(ctx, func(tx Tx) error { return nil }))
	assert.Equal(t, 1, client.commits, "views never commit")
	assert.Equal(t, 2, client.rollbacks)
}

func TestRouterCancelledContext(t *testing.T) {
	client := &countingClient{}
	r := NewRouter(types.RoleProvider, client, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Update(ctx, func(tx Tx) error { return nil })
	assert.Error(t, err)
	assert.Zero(t, client.begins)
}

func TestIsRaceSignal(t *testing.T) {
	assert.True(t, IsRaceSignal(errcode.New(errcode.CatalogAlreadyHasItemByThatName, "dup")))
	assert.True(t, IsRaceSignal(errcode.New(errcode.CatSuccessButWithNoInfo, "conflict")))
	assert.False(t, IsRaceSignal(errcode.New(errcode.CatStoreErr, "disk")))
	assert.False(t, IsRaceSignal(nil))
}

func TestQueryMatches(t *testing.T) {
	r := types.Replica{DataID: 1, ReplicaNumber: 2, Hierarchy: "replResc;disk2", PhysicalPath: "/v/1"}
	two := 2
	assert.True(t, Query{DataID: 1, ResourceName: "disk2"}.Matches(r))
	assert.True(t, Query{DataID: 1, ReplicaNumber: &two, PhysicalPath: "/v/1"}.Matches(r))
	assert.False(t, Query{DataID: 2}.Matches(r))
	assert.False(t, Query{DataID: 1, Hierarchy: "disk2"}.Matches(r))

	assert.Equal(t, 0, NextReplicaNumber(nil))
	assert.Equal(t, 3, NextReplicaNumber([]types.Replica{{ReplicaNumber: 0}, {ReplicaNumber: 2}}))
}
