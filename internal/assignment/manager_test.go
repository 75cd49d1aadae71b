package assignment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"regionmaster/internal/catalog"
	"regionmaster/internal/coord"
	"regionmaster/internal/region"
	"regionmaster/internal/servers"
	"regionmaster/internal/tablestate"
	"regionmaster/internal/transition"
)

func TestAssignIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})

	require.NoError(t, m.Assign(f.ctx, regionR, false))
	rs := waitForState(t, m, regionR, region.PendingOpen)
	plan, ok := m.States().Plan(regionR.EncodedName())
	require.True(t, ok)
	require.Equal(t, plan.Destination, rs.Server)
	eventually(t, func() bool { return f.invoker.openCount() == 1 }, "open directive sent")

	require.NoError(t, m.Assign(f.ctx, regionR, true))
	again, ok := m.States().Get(regionR.EncodedName())
	require.True(t, ok)
	require.Equal(t, rs, again)
	planAgain, _ := m.States().Plan(regionR.EncodedName())
	require.Equal(t, plan, planAgain)

	rec, version, err := f.nodes.Read(f.ctx, regionR.EncodedName())
	require.NoError(t, err)
	require.Equal(t, transition.MasterOffline, rec.Type)
	require.Equal(t, rs.Version, version)
	require.Equal(t, 1, f.invoker.openCount())
}

func TestAssignSkipsDisabledTable(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})
	require.NoError(t, f.tables.SetDisabled(f.ctx, regionR.Table))

	require.NoError(t, m.Assign(f.ctx, regionR, false))
	require.False(t, m.States().IsInTransition(regionR.EncodedName()))
	_, _, err := f.nodes.Read(f.ctx, regionR.EncodedName())
	require.ErrorIs(t, err, coord.ErrNoNode)
}

func TestAssignBacksOffWhenNodeExists(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})
	_, err := f.nodes.CreateOffline(f.ctx, regionR, masterName)
	require.NoError(t, err)

	require.NoError(t, m.Assign(f.ctx, regionR, false))
	require.False(t, m.States().IsInTransition(regionR.EncodedName()))
	require.Zero(t, f.invoker.openCount())
}

// Region online at A is balanced to B: close on A, the CLOSED record drives
// an open on B, and the OPENED record removes the node.
func TestBalance(t *testing.T) {
	f := newFixture(t)
	m := f.started(Hooks{})
	m.States().RegionOnline(regionR, serverA)

	require.NoError(t, m.Balance(f.ctx, region.RegionPlan{Region: regionR, Source: serverA, Destination: serverB}))
	rs := waitForState(t, m, regionR, region.PendingClose)
	require.Equal(t, serverA, rs.Server)
	eventually(t, func() bool { return f.invoker.closeCount() == 1 }, "close directive sent")

	_, err := f.nodes.Transition(f.ctx, regionR, serverA, transition.MasterClosing, transition.ServerClosed, coord.AnyVersion, nil)
	require.NoError(t, err)

	pending := waitForState(t, m, regionR, region.PendingOpen)
	require.Equal(t, serverB, pending.Server, "the plan's destination is honoured")
	require.Equal(t, serverB, f.openAs(m, regionR))
	require.Zero(t, m.States().Count())
}

func TestMoveRequiresOnlineRegionAndServer(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})

	require.ErrorIs(t, m.Move(f.ctx, regionR, serverB), ErrRegionNotOnline)
	m.States().RegionOnline(regionR, serverA)
	unknown := region.ServerName{Host: "nowhere", Port: 1, StartCode: 1}
	require.ErrorIs(t, m.Move(f.ctx, regionR, unknown), servers.ErrServerNotOnline)
	require.NoError(t, m.Move(f.ctx, regionR, serverA))
	require.False(t, m.States().IsInTransition(regionR.EncodedName()))

	require.NoError(t, m.Move(f.ctx, regionR, serverB))
	waitForState(t, m, regionR, region.PendingClose)
	plan, ok := m.States().Plan(regionR.EncodedName())
	require.True(t, ok)
	require.Equal(t, serverB, plan.Destination)
}

func TestUnassignRequiresOnlineRegion(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})
	require.ErrorIs(t, m.Unassign(f.ctx, regionR), ErrRegionNotOnline)
}

// A region server that started splitting the region owns the node; the
// unassign must complete and leave the node untouched.
func TestUnassignSplitRace(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})
	m.States().RegionOnline(regionR, serverA)

	v, err := f.nodes.Create(f.ctx, regionR, serverA, transition.ServerSplitting, nil)
	require.NoError(t, err)
	v, err = f.nodes.RetainSplitting(f.ctx, regionR, serverA, v)
	require.NoError(t, err)

	require.NoError(t, m.Unassign(f.ctx, regionR))
	require.False(t, m.States().IsInTransition(regionR.EncodedName()))
	require.Zero(t, f.invoker.closeCount())

	rec, current, err := f.nodes.Read(f.ctx, regionR.EncodedName())
	require.NoError(t, err)
	require.Equal(t, transition.ServerSplitting, rec.Type)
	require.Equal(t, v, current)
	_, err = f.nodes.RetainSplitting(f.ctx, regionR, serverA, v)
	require.NoError(t, err, "the splitting server still owns the node")
}

func TestFailedOpenPicksNewDestination(t *testing.T) {
	f := newFixture(t)
	v, err := f.nodes.CreateOffline(f.ctx, regionR, masterName)
	require.NoError(t, err)
	v, err = f.nodes.Transition(f.ctx, regionR, serverA, transition.MasterOffline, transition.ServerOpening, v, nil)
	require.NoError(t, err)

	m := f.started(Hooks{})
	m.States().SetPlan(region.RegionPlan{Region: regionR, Destination: serverA})
	m.States().Update(regionR, region.Opening, serverA, v)

	_, err = f.nodes.Transition(f.ctx, regionR, serverA, transition.ServerOpening, transition.ServerFailedOpen, v, nil)
	require.NoError(t, err)

	rs := waitForState(t, m, regionR, region.PendingOpen)
	require.Equal(t, serverB, rs.Server)
	plan, ok := m.States().Plan(regionR.EncodedName())
	require.True(t, ok)
	require.NotEqual(t, serverA, plan.Destination)
	require.Equal(t, serverB, f.openAs(m, regionR))
}

func TestStaleTransitionIsDropped(t *testing.T) {
	f := newFixture(t)
	m := f.started(Hooks{})
	require.NoError(t, m.Assign(f.ctx, regionR, false))
	rs := waitForState(t, m, regionR, region.PendingOpen)

	// a writer holding a version the node never had is refused by the store
	_, err := f.nodes.Transition(f.ctx, regionR, rs.Server, transition.MasterOffline, transition.ServerOpening, rs.Version+1, nil)
	require.ErrorIs(t, err, coord.ErrBadVersion)

	// a record delivered late is refused by the engine
	late := transition.NewRecord(transition.ServerOpening, regionR.Name(), rs.Server, nil)
	m.handleRecord(f.ctx, late, rs.Version)

	after, ok := m.States().Get(regionR.EncodedName())
	require.True(t, ok)
	require.Equal(t, rs, after)
	require.Equal(t, 1.0, f.counter("regionmaster_assignment_stale_transitions_total"))
}

func TestOpenProgressFromUnknownServerIsRejected(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})
	require.NoError(t, m.Assign(f.ctx, regionR, false))
	rs := waitForState(t, m, regionR, region.PendingOpen)

	stranger := region.ServerName{Host: "stranger", Port: 1, StartCode: 1}
	rec := transition.NewRecord(transition.ServerOpened, regionR.Name(), stranger, nil)
	m.handleRecord(f.ctx, rec, rs.Version+1)

	after, _ := m.States().Get(regionR.EncodedName())
	require.Equal(t, region.PendingOpen, after.State)
	require.Equal(t, rs.Version, after.Version)
}

func TestAlreadyOpenedCompletesAssign(t *testing.T) {
	f := newFixture(t)
	f.invoker.openResult = servers.AlreadyOpened
	m := f.newManager(Hooks{})

	require.NoError(t, m.Assign(f.ctx, regionR, false))
	eventually(t, func() bool {
		_, _, ok := m.States().ServerOf(regionR.EncodedName())
		return ok && m.States().Count() == 0
	}, "region marked online")
	_, _, err := f.nodes.Read(f.ctx, regionR.EncodedName())
	require.ErrorIs(t, err, coord.ErrNoNode)
}

func TestOpenFailureReplans(t *testing.T) {
	f := newFixture(t)
	f.invoker.failOpen = map[region.ServerName]error{serverA: errors.New("connection refused")}
	m := f.newManager(Hooks{})
	m.States().SetPlan(region.RegionPlan{Region: regionR, Destination: serverA})

	require.NoError(t, m.Assign(f.ctx, regionR, false))
	eventually(t, func() bool {
		rs, ok := m.States().Get(regionR.EncodedName())
		return ok && rs.State == region.PendingOpen && rs.Server == serverB
	}, "reassigned away from the failing server")
	eventually(t, func() bool { return f.invoker.lastOpen().server == serverB }, "open sent to B")
}

func TestSplitBringsDaughtersOnline(t *testing.T) {
	f := newFixture(t)
	m := f.started(Hooks{})
	m.States().RegionOnline(regionR, serverA)

	a := region.Region{Table: "t", EndKey: []byte("m"), RegionID: 2}
	b := region.Region{Table: "t", StartKey: []byte("m"), RegionID: 2}
	v, err := f.nodes.Create(f.ctx, regionR, serverA, transition.ServerSplitting, nil)
	require.NoError(t, err)
	waitForState(t, m, regionR, region.Splitting)

	payload, err := transition.SplitPayload(a, b)
	require.NoError(t, err)
	_, err = f.nodes.Transition(f.ctx, regionR, serverA, transition.ServerSplitting, transition.ServerSplit, v, payload)
	require.NoError(t, err)

	eventually(t, func() bool {
		_, sa, okA := m.States().ServerOf(a.EncodedName())
		_, sb, okB := m.States().ServerOf(b.EncodedName())
		return okA && okB && sa == serverA && sb == serverA
	}, "daughters online")
	require.False(t, m.States().IsInTransition(regionR.EncodedName()))
	_, _, online := m.States().ServerOf(regionR.EncodedName())
	require.False(t, online)
	_, _, err = f.nodes.Read(f.ctx, regionR.EncodedName())
	require.ErrorIs(t, err, coord.ErrNoNode)
}

func TestFailedCloseIsRetried(t *testing.T) {
	f := newFixture(t)
	m := f.started(Hooks{})
	m.States().RegionOnline(regionR, serverA)
	require.NoError(t, m.Unassign(f.ctx, regionR))
	rs := waitForState(t, m, regionR, region.PendingClose)
	eventually(t, func() bool { return f.invoker.closeCount() == 1 }, "close sent")

	_, err := f.nodes.Transition(f.ctx, regionR, serverA, transition.MasterClosing, transition.ServerFailedClose, rs.Version, nil)
	require.NoError(t, err)
	waitForState(t, m, regionR, region.FailedClose)
	eventually(t, func() bool { return f.invoker.closeCount() == 2 }, "close sent again")

	rec, _, err := f.nodes.Read(f.ctx, regionR.EncodedName())
	require.NoError(t, err)
	require.Equal(t, transition.MasterClosing, rec.Type)
}

func TestDisableTableClosesRegions(t *testing.T) {
	f := newFixture(t)
	m := f.started(Hooks{})
	m.States().RegionOnline(regionR, serverA)

	require.NoError(t, m.DisableTable(f.ctx, regionR.Table))
	require.Equal(t, tablestate.Disabling, f.tables.Get(regionR.Table))
	rs := waitForState(t, m, regionR, region.PendingClose)

	_, err := f.nodes.Transition(f.ctx, regionR, serverA, transition.MasterClosing, transition.ServerClosed, rs.Version, nil)
	require.NoError(t, err)
	eventually(t, func() bool { return f.tables.Get(regionR.Table) == tablestate.Disabled }, "table disabled")
	require.Zero(t, m.States().Count())
	require.Zero(t, f.invoker.openCount())

	require.NoError(t, m.EnableTable(f.ctx, regionR.Table))
	require.Equal(t, tablestate.Enabled, f.tables.Get(regionR.Table))
	f.openAs(m, regionR)
}

func TestRunBalancerMovesRegions(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})
	r2 := region.Region{Table: "t", StartKey: []byte("m"), RegionID: 3}
	m.States().RegionOnline(regionR, serverA)
	m.States().RegionOnline(r2, serverA)

	moved, err := m.RunBalancer(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	require.Equal(t, 1, m.States().Count())

	moved, err = m.RunBalancer(f.ctx)
	require.NoError(t, err)
	require.Zero(t, moved, "no balancing while regions are in transition")
}

func TestTimeoutMonitor(t *testing.T) {
	f := newFixture(t)
	m := f.newManager(Hooks{})
	r2 := region.Region{Table: "t", StartKey: []byte("m"), RegionID: 3}
	m.States().RegionOnline(r2, serverA)

	require.NoError(t, m.Assign(f.ctx, regionR, false))
	opening := waitForState(t, m, regionR, region.PendingOpen)
	require.NoError(t, m.Unassign(f.ctx, r2))
	waitForState(t, m, r2, region.PendingClose)
	eventually(t, func() bool { return f.invoker.closeCount() == 1 }, "close sent")

	m.CheckTimeouts(f.ctx)
	require.Equal(t, opening, mustGet(t, m, regionR), "nothing timed out yet")

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	m.CheckTimeouts(f.ctx)

	reassigned := mustGet(t, m, regionR)
	require.Equal(t, region.PendingOpen, reassigned.State)
	require.Greater(t, reassigned.Version, opening.Version)
	require.NotEqual(t, opening.Server, reassigned.Server)
	eventually(t, func() bool { return f.invoker.closeCount() == 2 }, "close re-sent")
	require.Equal(t, 2.0, f.counter("regionmaster_assignment_timeouts_total"))
}

func mustGet(t *testing.T, m *Manager, r region.Region) region.RegionState {
	t.Helper()
	rs, ok := m.States().Get(r.EncodedName())
	require.True(t, ok)
	return rs
}

func TestServerExpiryReassignsRegions(t *testing.T) {
	f := newFixture(t)
	m := f.started(Hooks{})
	require.NoError(t, m.JoinCluster(f.ctx))
	_, sn, ok := m.States().ServerOf(regionR.EncodedName())
	require.True(t, ok)
	require.Equal(t, serverA, sn)

	f.servers.Expire(serverA)
	rs := waitForState(t, m, regionR, region.PendingOpen)
	require.Equal(t, serverB, rs.Server)
	require.Equal(t, serverB, f.openAs(m, regionR))
	eventually(t, func() bool {
		return f.counter("regionmaster_assignment_server_shutdowns_total") == 1
	}, "shutdown counted")
}

func TestShutdownOfServerWithClosingRegionOfDisabledTable(t *testing.T) {
	for _, st := range []tablestate.State{tablestate.Disabling, tablestate.Disabled} {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(t)
			m := f.newManager(Hooks{})
			m.States().RegionOnline(regionR, serverA)
			require.NoError(t, m.Unassign(f.ctx, regionR))
			waitForState(t, m, regionR, region.PendingClose)
			require.NoError(t, f.tables.Set(f.ctx, regionR.Table, st))

			require.NoError(t, m.ProcessServerShutdown(f.ctx, serverA))

			require.False(t, m.States().IsInTransition(regionR.EncodedName()))
			_, _, err := f.nodes.Read(f.ctx, regionR.EncodedName())
			require.ErrorIs(t, err, coord.ErrNoNode)
			require.False(t, f.wasAssigned(regionR))
			require.Equal(t, tablestate.Disabled, f.tables.Get(regionR.Table))
		})
	}
}

func TestShutdownOfServerWithSplittingRegion(t *testing.T) {
	a := region.Region{Table: "t", EndKey: []byte("m"), RegionID: 2}
	b := region.Region{Table: "t", StartKey: []byte("m"), RegionID: 2}
	for _, splitDone := range []bool{true, false} {
		name := "split not done"
		if splitDone {
			name = "split done"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if splitDone {
				require.NoError(t, catalog.RecordSplit(f.ctx, f.catalog, regionR, a, b, serverA))
			}
			m := f.newManager(Hooks{})
			m.States().RegionOnline(regionR, serverA)
			v, err := f.nodes.Create(f.ctx, regionR, serverA, transition.ServerSplitting, nil)
			require.NoError(t, err)
			m.States().Update(regionR, region.Splitting, serverA, v)
			f.servers.Expire(serverA)

			require.NoError(t, m.ProcessServerShutdown(f.ctx, serverA))

			if splitDone {
				require.False(t, m.States().IsInTransition(regionR.EncodedName()))
				require.False(t, f.wasAssigned(regionR), "a split parent is never assigned")
				require.True(t, f.wasAssigned(a))
				require.True(t, f.wasAssigned(b))
				rs := mustGet(t, m, a)
				require.Equal(t, serverB, rs.Server)
				return
			}
			require.True(t, f.wasAssigned(regionR))
			rs := waitForState(t, m, regionR, region.PendingOpen)
			require.Equal(t, serverB, rs.Server)
		})
	}
}

type failingChildren struct {
	*coord.MemStore
}

func (f failingChildren) Children(ctx context.Context, p string) ([]string, error) {
	if strings.HasSuffix(p, "/"+transition.UnassignedDir) {
		return nil, errors.New("connection loss")
	}
	return f.MemStore.Children(ctx, p)
}

func TestJoinAbortsWhenTransitionsCannotBeListed(t *testing.T) {
	f := newFixture(t)
	opts := f.options(Hooks{})
	opts.Coord = failingChildren{MemStore: f.store}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	err = m.JoinCluster(f.ctx)
	require.ErrorIs(t, err, ErrJoinAborted)
	require.Equal(t, 1, f.abortCount())
	require.Zero(t, m.States().Count())
}

// The owner of an OPENING node died while no master was around; joining
// must reassign at once instead of waiting for the timeout monitor.
func TestJoinReassignsOpeningRegionOfDeadServer(t *testing.T) {
	f := newFixture(t)
	v, err := f.nodes.CreateOffline(f.ctx, regionR, masterName)
	require.NoError(t, err)
	_, err = f.nodes.Transition(f.ctx, regionR, serverA, transition.MasterOffline, transition.ServerOpening, v, nil)
	require.NoError(t, err)
	f.servers.Expire(serverA)

	m := f.newManager(Hooks{})
	require.NoError(t, m.JoinCluster(f.ctx))

	require.True(t, f.wasAssigned(regionR))
	rs := mustGet(t, m, regionR)
	require.Equal(t, region.PendingOpen, rs.State)
	require.Equal(t, serverB, rs.Server)
	plan, ok := m.States().Plan(regionR.EncodedName())
	require.True(t, ok)
	require.Equal(t, serverB, plan.Destination)

	rec, _, err := f.nodes.Read(f.ctx, regionR.EncodedName())
	require.NoError(t, err)
	require.Equal(t, transition.MasterOffline, rec.Type)
	eventually(t, func() bool { return f.invoker.lastOpen().server == serverB }, "open sent to B")
}

func TestJoinDropsNodesOfUnknownRegions(t *testing.T) {
	f := newFixture(t)
	ghost := region.Region{Table: "gone", RegionID: 9}
	_, err := f.nodes.CreateOffline(f.ctx, ghost, masterName)
	require.NoError(t, err)

	m := f.newManager(Hooks{})
	require.NoError(t, m.JoinCluster(f.ctx))
	_, _, err = f.nodes.Read(f.ctx, ghost.EncodedName())
	require.ErrorIs(t, err, coord.ErrNoNode)
	require.False(t, m.States().IsInTransition(ghost.EncodedName()))
}

func TestJoinAssignsUnassignedRegions(t *testing.T) {
	f := newFixture(t)
	loose := region.Region{Table: "t", StartKey: []byte("x"), RegionID: 4}
	require.NoError(t, f.catalog.Put(f.ctx, catalog.Row{Region: loose}))

	m := f.started(Hooks{})
	require.NoError(t, m.JoinCluster(f.ctx))
	waitForState(t, m, loose, region.PendingOpen)
	_, sn, ok := m.States().ServerOf(regionR.EncodedName())
	require.True(t, ok)
	require.Equal(t, serverA, sn)
	f.openAs(m, loose)
}

// gate blocks JoinCluster before it re-drives the first recovered node.
type gate struct {
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hook(transition.Record, int32) {
	g.once.Do(func() { close(g.reached) })
	<-g.release
}

func (g *gate) waitReached(t *testing.T) {
	t.Helper()
	select {
	case <-g.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("join never reached the region in transition")
	}
}

// A master died while balancing regionR from A. The new master joins and
// must finish the move from whatever node the old one left behind.
func TestBalanceOnMasterFailover(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture)
		state region.State
	}{
		{
			name: "closing node",
			setup: func(f *fixture) {
				_, err := f.nodes.CreateClosing(f.ctx, regionR, masterName)
				require.NoError(f.t, err)
			},
			state: region.Closing,
		},
		{
			name: "closed node",
			setup: func(f *fixture) {
				v, err := f.nodes.CreateClosing(f.ctx, regionR, masterName)
				require.NoError(f.t, err)
				_, err = f.nodes.Transition(f.ctx, regionR, serverA, transition.MasterClosing, transition.ServerClosed, v, nil)
				require.NoError(f.t, err)
			},
			state: region.Closed,
		},
		{
			name: "offline node",
			setup: func(f *fixture) {
				_, err := f.nodes.CreateOffline(f.ctx, regionR, masterName)
				require.NoError(f.t, err)
			},
			state: region.Offline,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)
			g := newGate()
			m := f.started(Hooks{BeforeProcessRegionInTransition: g.hook})

			joined := make(chan error, 1)
			go func() { joined <- m.JoinCluster(f.ctx) }()
			g.waitReached(t)

			seeded := mustGet(t, m, regionR)
			require.Equal(t, tc.state, seeded.State)
			close(g.release)
			require.NoError(t, <-joined)

			if tc.state == region.Closing {
				rs := waitForState(t, m, regionR, region.PendingClose)
				require.Equal(t, serverA, rs.Server)
				eventually(t, func() bool { return f.invoker.closeCount() == 1 }, "close re-sent to A")
				_, err := f.nodes.Transition(f.ctx, regionR, serverA, transition.MasterClosing, transition.ServerClosed, rs.Version, nil)
				require.NoError(t, err)
			}
			require.True(t, f.wasAssigned(regionR) || tc.state == region.Closing)
			f.openAs(m, regionR)
			require.True(t, f.wasAssigned(regionR))
			require.Zero(t, m.States().Count())
		})
	}
}
