package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ontable/holdem/pkg/engine"
)

func TestMemoryTableRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	missing, err := m.LoadTable(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	table := &engine.Table{TableID: "t1", Name: "n", OwnerID: "o", Status: engine.TableWaiting}
	require.NoError(t, m.SaveTable(ctx, table))

	got, err := m.LoadTable(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, table.Name, got.Name)

	ids, err := m.ListTableIDsByOwner(ctx, "o")
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, ids)

	require.NoError(t, m.DeleteTable(ctx, "t1", "o"))
	got, err = m.LoadTable(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemoryStateCopiesThroughSerialization(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := engine.NewTableState("t1", 2)
	st.Version = 3
	require.NoError(t, m.SaveState(ctx, st))

	// Mutating the saved pointer must not leak into later loads.
	st.Version = 99

	got, err := m.LoadState(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 3, got.Version)
}

func TestMemoryIdempotency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.IdempotencyGet(ctx, "M", "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.IdempotencyPut(ctx, "M", "k", []byte("r"), time.Minute))
	b, ok, err := m.IdempotencyGet(ctx, "M", "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("r"), b)

	locked, err := m.IdempotencyLock(ctx, "M", "k2", time.Minute)
	require.NoError(t, err)
	require.True(t, locked)
	locked, err = m.IdempotencyLock(ctx, "M", "k2", time.Minute)
	require.NoError(t, err)
	require.False(t, locked)
	require.NoError(t, m.IdempotencyUnlock(ctx, "M", "k2"))
	locked, err = m.IdempotencyLock(ctx, "M", "k2", time.Minute)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestMemoryConnectionRegistry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RegisterConnection(ctx, "c1", "u1"))
	require.NoError(t, m.RegisterConnection(ctx, "c2", "u1"))

	conns, err := m.UserConnections(ctx, "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c2"}, conns)

	require.NoError(t, m.DeregisterConnection(ctx, "c1", "u1"))
	conns, err = m.UserConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, conns)
}
