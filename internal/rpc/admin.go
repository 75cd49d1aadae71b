package rpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"regionmaster/internal/assignment"
	"regionmaster/internal/catalog"
	"regionmaster/internal/region"
	"regionmaster/internal/servers"
)

const (
	adminService              = "regionmaster.Admin"
	assignMethod              = "/" + adminService + "/Assign"
	unassignMethod            = "/" + adminService + "/Unassign"
	moveMethod                = "/" + adminService + "/Move"
	balanceMethod             = "/" + adminService + "/Balance"
	regionsInTransitionMethod = "/" + adminService + "/RegionsInTransition"
	reportServerMethod        = "/" + adminService + "/ReportServer"
	setTableStateMethod       = "/" + adminService + "/SetTableState"
)

// AdminHandler is the server side of the admin API.
type AdminHandler interface {
	Assign(ctx context.Context, req *AssignRequest) (*Empty, error)
	Unassign(ctx context.Context, req *UnassignRequest) (*Empty, error)
	Move(ctx context.Context, req *MoveRequest) (*Empty, error)
	Balance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error)
	RegionsInTransition(ctx context.Context, req *RegionsInTransitionRequest) (*RegionsInTransitionResponse, error)
	ReportServer(ctx context.Context, req *ReportServerRequest) (*Empty, error)
	SetTableState(ctx context.Context, req *SetTableStateRequest) (*Empty, error)
}

var _ AdminHandler = (*AdminServer)(nil)

// AdminServer adapts the assignment manager to the admin API.
type AdminServer struct {
	manager *assignment.Manager
	catalog catalog.Catalog
	servers *servers.Manager
	logger  *zap.Logger
}

func NewAdminServer(m *assignment.Manager, c catalog.Catalog, sm *servers.Manager, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminServer{manager: m, catalog: c, servers: sm, logger: logger.Named("admin")}
}

// resolve finds a region by encoded name, online regions first.
func (s *AdminServer) resolve(ctx context.Context, encoded string) (region.Region, error) {
	if encoded == "" {
		return region.Region{}, status.Error(codes.InvalidArgument, "region is empty")
	}
	if r, _, ok := s.manager.States().ServerOf(encoded); ok {
		return r, nil
	}
	if rs, ok := s.manager.States().Get(encoded); ok {
		return rs.Region, nil
	}
	rows, err := s.catalog.ScanAll(ctx)
	if err != nil {
		return region.Region{}, err
	}
	for _, row := range rows {
		if row.Region.EncodedName() == encoded {
			return row.Region, nil
		}
	}
	return region.Region{}, fmt.Errorf("%w: %s", ErrRegionNotFound, encoded)
}

func (s *AdminServer) Assign(ctx context.Context, req *AssignRequest) (*Empty, error) {
	r, err := s.resolve(ctx, req.EncodedName)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.manager.Assign(ctx, r, req.Force); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *AdminServer) Unassign(ctx context.Context, req *UnassignRequest) (*Empty, error) {
	r, err := s.resolve(ctx, req.EncodedName)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.manager.Unassign(ctx, r); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *AdminServer) Move(ctx context.Context, req *MoveRequest) (*Empty, error) {
	if req.Destination.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "destination is empty")
	}
	r, err := s.resolve(ctx, req.EncodedName)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.manager.Move(ctx, r, req.Destination); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *AdminServer) Balance(ctx context.Context, _ *BalanceRequest) (*BalanceResponse, error) {
	moved, err := s.manager.RunBalancer(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{Moved: int64(moved)}, nil
}

func (s *AdminServer) RegionsInTransition(ctx context.Context, _ *RegionsInTransitionRequest) (*RegionsInTransitionResponse, error) {
	return &RegionsInTransitionResponse{States: s.manager.States().InTransition()}, nil
}

func (s *AdminServer) ReportServer(ctx context.Context, req *ReportServerRequest) (*Empty, error) {
	if req.Server.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "server is empty")
	}
	if err := s.servers.RegionServerReport(req.Server, req.Load); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *AdminServer) SetTableState(ctx context.Context, req *SetTableStateRequest) (*Empty, error) {
	if req.Table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is empty")
	}
	var err error
	if req.Enabled {
		err = s.manager.EnableTable(ctx, req.Table)
	} else {
		err = s.manager.DisableTable(ctx, req.Table)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("table state changed", zap.String("table", req.Table), zap.Bool("enabled", req.Enabled))
	return &Empty{}, nil
}

func emptyResult(resp *Empty, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var adminDesc = grpc.ServiceDesc{
	ServiceName: adminService,
	HandlerType: (*AdminHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Assign", Handler: unary(assignMethod, func(s AdminHandler, ctx context.Context, req *AssignRequest) (any, error) {
			return emptyResult(s.Assign(ctx, req))
		})},
		{MethodName: "Unassign", Handler: unary(unassignMethod, func(s AdminHandler, ctx context.Context, req *UnassignRequest) (any, error) {
			return emptyResult(s.Unassign(ctx, req))
		})},
		{MethodName: "Move", Handler: unary(moveMethod, func(s AdminHandler, ctx context.Context, req *MoveRequest) (any, error) {
			return emptyResult(s.Move(ctx, req))
		})},
		{MethodName: "Balance", Handler: unary(balanceMethod, func(s AdminHandler, ctx context.Context, req *BalanceRequest) (any, error) {
			resp, err := s.Balance(ctx, req)
			if err != nil {
				return nil, err
			}
			return resp, nil
		})},
		{MethodName: "RegionsInTransition", Handler: unary(regionsInTransitionMethod, func(s AdminHandler, ctx context.Context, req *RegionsInTransitionRequest) (any, error) {
			resp, err := s.RegionsInTransition(ctx, req)
			if err != nil {
				return nil, err
			}
			return resp, nil
		})},
		{MethodName: "ReportServer", Handler: unary(reportServerMethod, func(s AdminHandler, ctx context.Context, req *ReportServerRequest) (any, error) {
			return emptyResult(s.ReportServer(ctx, req))
		})},
		{MethodName: "SetTableState", Handler: unary(setTableStateMethod, func(s AdminHandler, ctx context.Context, req *SetTableStateRequest) (any, error) {
			return emptyResult(s.SetTableState(ctx, req))
		})},
	},
}

// RegisterAdmin installs s on registrar.
func RegisterAdmin(registrar grpc.ServiceRegistrar, s AdminHandler) {
	registrar.RegisterService(&adminDesc, s)
}

// AdminClient calls the admin API of a master.
type AdminClient struct {
	conn *grpc.ClientConn
}

func NewAdminClient(target string, opts ...grpc.DialOption) (*AdminClient, error) {
	conn, err := grpc.NewClient(target, clientDialOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	return &AdminClient{conn: conn}, nil
}

// Health asks the standard health service for the master's status.
func (c *AdminClient) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *AdminClient) Assign(ctx context.Context, encoded string, force bool) error {
	return c.conn.Invoke(ctx, assignMethod, &AssignRequest{EncodedName: encoded, Force: force}, new(Empty))
}

func (c *AdminClient) Unassign(ctx context.Context, encoded string) error {
	return c.conn.Invoke(ctx, unassignMethod, &UnassignRequest{EncodedName: encoded}, new(Empty))
}

func (c *AdminClient) Move(ctx context.Context, encoded string, dest region.ServerName) error {
	return c.conn.Invoke(ctx, moveMethod, &MoveRequest{EncodedName: encoded, Destination: dest}, new(Empty))
}

func (c *AdminClient) Balance(ctx context.Context) (int64, error) {
	resp := new(BalanceResponse)
	if err := c.conn.Invoke(ctx, balanceMethod, &BalanceRequest{}, resp); err != nil {
		return 0, err
	}
	return resp.Moved, nil
}

func (c *AdminClient) RegionsInTransition(ctx context.Context) ([]region.RegionState, error) {
	resp := new(RegionsInTransitionResponse)
	if err := c.conn.Invoke(ctx, regionsInTransitionMethod, &RegionsInTransitionRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

func (c *AdminClient) ReportServer(ctx context.Context, sn region.ServerName, load servers.Load) error {
	return c.conn.Invoke(ctx, reportServerMethod, &ReportServerRequest{Server: sn, Load: load}, new(Empty))
}

func (c *AdminClient) SetTableState(ctx context.Context, table string, enabled bool) error {
	return c.conn.Invoke(ctx, setTableStateMethod, &SetTableStateRequest{Table: table, Enabled: enabled}, new(Empty))
}

func (c *AdminClient) Close() error {
	return c.conn.Close()
}
