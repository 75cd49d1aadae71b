package tablestate_test

import (
	"context"
	"testing"

	"regionmaster/internal/coord"
	"regionmaster/internal/tablestate"

	"github.com/stretchr/testify/require"
)

func TestTrackerStates(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	defer store.Close()

	tr := tablestate.NewTracker(store, "/hbase")
	require.True(t, tr.IsEnabled("t1"))
	require.False(t, tr.IsDisablingOrDisabled("t1"))

	require.NoError(t, tr.SetDisabling(ctx, "t1"))
	require.True(t, tr.IsDisablingOrDisabled("t1"))
	require.NoError(t, tr.SetDisabled(ctx, "t1"))
	require.Equal(t, tablestate.Disabled, tr.Get("t1"))
	require.NoError(t, tr.SetEnabling(ctx, "t2"))
	require.False(t, tr.IsEnabled("t2"))
	require.Error(t, tr.Set(ctx, "t3", tablestate.State("BOGUS")))

	// a second tracker (a new master) sees the stored states after Load
	other := tablestate.NewTracker(store, "/hbase")
	require.True(t, other.IsEnabled("t1"))
	require.NoError(t, other.Load(ctx))
	require.Equal(t, tablestate.Disabled, other.Get("t1"))
	require.Equal(t, tablestate.Enabling, other.Get("t2"))

	require.NoError(t, other.SetEnabled(ctx, "t1"))
	require.NoError(t, tr.Load(ctx))
	require.True(t, tr.IsEnabled("t1"))
}
