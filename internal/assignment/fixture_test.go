package assignment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"regionmaster/internal/catalog"
	"regionmaster/internal/coord"
	"regionmaster/internal/observability/metrics"
	"regionmaster/internal/region"
	"regionmaster/internal/retry"
	"regionmaster/internal/servers"
	"regionmaster/internal/tablestate"
	"regionmaster/internal/transition"
)

const testNamespace = "hbase"

var (
	masterName = region.ServerName{Host: "master.example.org", Port: 1111, StartCode: 1}
	serverA    = region.ServerName{Host: "example.org", Port: 1234, StartCode: 5678}
	serverB    = region.ServerName{Host: "example.org", Port: 0, StartCode: 0}
	regionR    = region.Region{Table: "t", StartKey: nil, EndKey: nil, RegionID: 1}
)

type directive struct {
	server  region.ServerName
	region  region.Region
	version int32
}

// fakeInvoker records directives. Opens answer with openResult unless the
// target is listed in failOpen.
type fakeInvoker struct {
	mu         sync.Mutex
	opens      []directive
	closes     []directive
	openResult servers.OpeningState
	failOpen   map[region.ServerName]error
}

func (f *fakeInvoker) OpenRegion(ctx context.Context, sn region.ServerName, r region.Region, version int32) (servers.OpeningState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, directive{server: sn, region: r, version: version})
	if err := f.failOpen[sn]; err != nil {
		return servers.FailedOpening, err
	}
	return f.openResult, nil
}

func (f *fakeInvoker) CloseRegion(ctx context.Context, sn region.ServerName, r region.Region, version int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, directive{server: sn, region: r, version: version})
	return true, nil
}

func (f *fakeInvoker) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeInvoker) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

func (f *fakeInvoker) lastOpen() directive {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opens) == 0 {
		return directive{}
	}
	return f.opens[len(f.opens)-1]
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *coord.MemStore
	catalog  *catalog.MemCatalog
	servers  *servers.Manager
	invoker  *fakeInvoker
	tables   *tablestate.Tracker
	nodes    *transition.Nodes
	registry *prometheus.Registry
	metrics  *metrics.AssignmentCollector

	mu       sync.Mutex
	assigned []region.Region
	aborts   []string
}

// newFixture builds a cluster of two online servers with regionR open on
// serverA in the catalog.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := coord.NewMemStore()
	t.Cleanup(func() { _ = store.Close() })

	inv := &fakeInvoker{openResult: servers.Opened}
	sm := servers.NewManager(servers.Options{ExpiryTimeout: time.Hour, Invoker: inv})
	require.NoError(t, sm.RegionServerReport(serverA, servers.Load{}))
	require.NoError(t, sm.RegionServerReport(serverB, servers.Load{}))

	cat := catalog.NewMemCatalog()
	ctx := context.Background()
	require.NoError(t, catalog.SetLocation(ctx, cat, regionR, serverA))

	reg := prometheus.NewRegistry()
	return &fixture{
		t:        t,
		ctx:      ctx,
		store:    store,
		catalog:  cat,
		servers:  sm,
		invoker:  inv,
		tables:   tablestate.NewTracker(store, testNamespace),
		nodes:    transition.NewNodes(store, testNamespace),
		registry: reg,
		metrics:  metrics.NewAssignmentCollector(reg, "regionmaster"),
	}
}

func (f *fixture) options(hooks Hooks) Options {
	userAssign := hooks.OnAssign
	hooks.OnAssign = func(r region.Region, force bool) {
		f.mu.Lock()
		f.assigned = append(f.assigned, r)
		f.mu.Unlock()
		if userAssign != nil {
			userAssign(r, force)
		}
	}
	return Options{
		ServerName:        masterName,
		Namespace:         testNamespace,
		Coord:             f.store,
		Catalog:           f.catalog,
		Servers:           f.servers,
		Tables:            f.tables,
		EventWorkers:      4,
		TransitionTimeout: time.Hour,
		OpenRetry:         retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 2},
		Hooks:             hooks,
		Metrics:           f.metrics,
		Abort: func(reason string, err error) {
			f.mu.Lock()
			f.aborts = append(f.aborts, reason)
			f.mu.Unlock()
		},
	}
}

func (f *fixture) newManager(hooks Hooks) *Manager {
	f.t.Helper()
	m, err := NewManager(f.options(hooks))
	require.NoError(f.t, err)
	f.t.Cleanup(m.Stop)
	return m
}

func (f *fixture) started(hooks Hooks) *Manager {
	f.t.Helper()
	m := f.newManager(hooks)
	require.NoError(f.t, m.Start(f.ctx))
	return m
}

func (f *fixture) wasAssigned(r region.Region) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assigned {
		if a.Equal(r) {
			return true
		}
	}
	return false
}

func (f *fixture) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborts)
}

func (f *fixture) counter(name string) float64 {
	f.t.Helper()
	mfs, err := f.registry.Gather()
	require.NoError(f.t, err)
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 2*time.Millisecond, msg)
}

func waitForState(t *testing.T, m *Manager, r region.Region, st region.State) region.RegionState {
	t.Helper()
	var rs region.RegionState
	eventually(t, func() bool {
		cur, ok := m.States().Get(r.EncodedName())
		rs = cur
		return ok && cur.State == st
	}, "waiting for "+r.EncodedName()+" to reach "+st.String())
	return rs
}

// openAs plays the destination region server: OFFLINE -> OPENING -> OPENED
// at the versions the master handed out, then waits for the region to go
// online there.
func (f *fixture) openAs(m *Manager, r region.Region) region.ServerName {
	t := f.t
	t.Helper()
	rs := waitForState(t, m, r, region.PendingOpen)
	dest := rs.Server
	v, err := f.nodes.Transition(f.ctx, r, dest, transition.MasterOffline, transition.ServerOpening, rs.Version, nil)
	require.NoError(t, err)
	waitForState(t, m, r, region.Opening)
	_, err = f.nodes.Transition(f.ctx, r, dest, transition.ServerOpening, transition.ServerOpened, v, nil)
	require.NoError(t, err)

	eventually(t, func() bool {
		_, sn, ok := m.States().ServerOf(r.EncodedName())
		return ok && sn == dest && !m.States().IsInTransition(r.EncodedName())
	}, "waiting for region to open")
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.nodes.BlockUntilNoRIT(ctx))
	return dest
}
