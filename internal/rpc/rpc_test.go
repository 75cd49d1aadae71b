package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"

	"regionmaster/internal/assignment"
	"regionmaster/internal/catalog"
	"regionmaster/internal/coord"
	"regionmaster/internal/region"
	"regionmaster/internal/servers"
)

var (
	testServer = region.ServerName{Host: "rs1.example.org", Port: 16020, StartCode: 42}
	testRegion = region.Region{Table: "t", StartKey: []byte("a"), EndKey: []byte("m"), RegionID: 7}
)

func TestOpenRequestKeepsAnyVersion(t *testing.T) {
	in := &OpenRegionRequest{Region: testRegion, Version: coord.AnyVersion}
	out := new(OpenRegionRequest)
	require.NoError(t, out.UnmarshalWire(in.MarshalWire()))
	require.True(t, out.Region.Equal(testRegion))
	require.Equal(t, coord.AnyVersion, out.Version)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	data := (&AssignRequest{EncodedName: testRegion.EncodedName(), Force: true}).MarshalWire()
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from a newer master")

	out := new(AssignRequest)
	require.NoError(t, out.UnmarshalWire(data))
	require.Equal(t, testRegion.EncodedName(), out.EncodedName)
	require.True(t, out.Force)

	require.Error(t, out.UnmarshalWire([]byte{0x0a, 0x10, 'x'}), "truncated field")
}

func TestRegionsInTransitionEncoding(t *testing.T) {
	stamp := time.UnixMilli(1700000000123)
	in := &RegionsInTransitionResponse{States: []region.RegionState{
		{Region: testRegion, State: region.PendingOpen, Server: testServer, Version: 3, Stamp: stamp},
		{Region: region.Region{Table: "u", RegionID: 1}, State: region.Offline, Version: coord.AnyVersion, Stamp: stamp},
	}}
	out := new(RegionsInTransitionResponse)
	require.NoError(t, out.UnmarshalWire(in.MarshalWire()))
	require.Len(t, out.States, 2)
	require.True(t, out.States[0].Region.Equal(testRegion))
	require.Equal(t, region.PendingOpen, out.States[0].State)
	require.Equal(t, testServer, out.States[0].Server)
	require.Equal(t, int32(3), out.States[0].Version)
	require.True(t, stamp.Equal(out.States[0].Stamp))
	require.True(t, out.States[1].Server.IsZero())
	require.Equal(t, coord.AnyVersion, out.States[1].Version)
}

type fakeRegionServer struct {
	mu       sync.Mutex
	opened   []OpenRegionRequest
	closed   []CloseRegionRequest
	answer   servers.OpeningState
	closeErr error
}

func (f *fakeRegionServer) OpenRegion(ctx context.Context, req *OpenRegionRequest) (*OpenRegionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, *req)
	return &OpenRegionResponse{State: f.answer}, nil
}

func (f *fakeRegionServer) CloseRegion(ctx context.Context, req *CloseRegionRequest) (*CloseRegionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, *req)
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	return &CloseRegionResponse{Closed: true}, nil
}

func (f *fakeRegionServer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func startRegionServer(t *testing.T, h RegionServerHandler) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterRegionServer(srv, h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func TestRegionServerClient(t *testing.T) {
	rs := &fakeRegionServer{answer: servers.AlreadyOpened, closeErr: status.Error(codes.NotFound, "region not served")}
	lis := startRegionServer(t, rs)
	client := NewRegionServerClient(RegionServerClientOptions{DialOptions: []grpc.DialOption{bufDialer(lis)}})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	st, err := client.OpenRegion(ctx, testServer, testRegion, 5)
	require.NoError(t, err)
	require.Equal(t, servers.AlreadyOpened, st)
	require.Len(t, rs.opened, 1)
	require.True(t, rs.opened[0].Region.Equal(testRegion))
	require.Equal(t, int32(5), rs.opened[0].Version)

	closed, err := client.CloseRegion(ctx, testServer, testRegion, 6)
	require.Error(t, err)
	require.False(t, closed)
	require.True(t, IsRegionNotFoundError(err))

	client.mu.Lock()
	require.Len(t, client.conns, 1)
	client.mu.Unlock()
	client.ServerRemoved(testServer)
	client.mu.Lock()
	require.Empty(t, client.conns)
	client.mu.Unlock()
}

type adminFixture struct {
	client  *AdminClient
	rs      *fakeRegionServer
	manager *assignment.Manager
	catalog *catalog.MemCatalog
}

// newAdminFixture wires a full master over bufconn: the admin API in front,
// region server directives behind.
func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	rs := &fakeRegionServer{answer: servers.Opened}
	rsLis := startRegionServer(t, rs)
	invoker := NewRegionServerClient(RegionServerClientOptions{DialOptions: []grpc.DialOption{bufDialer(rsLis)}})
	t.Cleanup(func() { _ = invoker.Close() })

	store := coord.NewMemStore()
	t.Cleanup(func() { _ = store.Close() })
	cat := catalog.NewMemCatalog()
	sm := servers.NewManager(servers.Options{ExpiryTimeout: time.Hour, Invoker: invoker})
	sm.AddListener(invoker)

	m, err := assignment.NewManager(assignment.Options{
		ServerName: region.ServerName{Host: "master", Port: 1, StartCode: 1},
		Coord:      store,
		Catalog:    cat,
		Servers:    sm,
		Abort:      func(string, error) {},
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	require.NoError(t, m.Start(context.Background()))

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(Config{}, NewAdminServer(m, cat, sm, nil), nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewAdminClient("passthrough:///bufnet", bufDialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return &adminFixture{client: client, rs: rs, manager: m, catalog: cat}
}

func TestAdminAssign(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.Put(ctx, catalog.Row{Region: testRegion}))

	err := f.client.Assign(ctx, testRegion.EncodedName(), false)
	require.True(t, IsServerUnavailableError(err), "no region server has reported yet: %v", err)

	rit, err := f.client.RegionsInTransition(ctx)
	require.NoError(t, err)
	require.Len(t, rit, 1)
	require.Equal(t, region.Offline, rit[0].State, "kept offline until a server shows up")

	// the parked region is placed as soon as the server reports
	require.NoError(t, f.client.ReportServer(ctx, testServer, servers.Load{Regions: 0}))
	require.NoError(t, f.client.Assign(ctx, testRegion.EncodedName(), false))
	require.Eventually(t, func() bool {
		rit, err := f.client.RegionsInTransition(ctx)
		return err == nil && len(rit) == 1 && rit[0].State == region.PendingOpen && rit[0].Server == testServer
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.rs.openCount() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestAdminErrors(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.Put(ctx, catalog.Row{Region: testRegion}))

	err := f.client.Assign(ctx, "0123456789abcdef0123456789abcdef", false)
	require.True(t, IsRegionNotFoundError(err))

	err = f.client.Unassign(ctx, testRegion.EncodedName())
	require.True(t, IsRegionNotOnlineError(err))

	err = f.client.Move(ctx, testRegion.EncodedName(), region.ServerName{})
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())

	err = f.client.SetTableState(ctx, "", true)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.NoError(t, f.client.SetTableState(ctx, "t", false))
	require.True(t, f.manager.Tables().IsDisablingOrDisabled("t"))

	moved, err := f.client.Balance(ctx)
	require.NoError(t, err)
	require.Zero(t, moved)
}

func TestAdminHealth(t *testing.T) {
	f := newAdminFixture(t)
	st, err := f.client.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, st)
}

func TestToStatus(t *testing.T) {
	require.NoError(t, toStatus(nil))
	require.Equal(t, codes.NotFound, status.Code(toStatus(catalog.ErrRowNotFound)))
	require.Equal(t, codes.AlreadyExists, status.Code(toStatus(coord.ErrNodeExists)))
	require.Equal(t, codes.Unavailable, status.Code(toStatus(servers.ErrServerNotOnline)))
	require.Equal(t, codes.Internal, status.Code(toStatus(errors.New("boom"))))
	passthrough := status.Error(codes.Aborted, "raced")
	require.Equal(t, passthrough, toStatus(passthrough))
}
