package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"regionmaster/internal/region"
	"regionmaster/internal/servers"
)

const (
	regionServerService = "regionserver.Admin"
	openRegionMethod    = "/" + regionServerService + "/OpenRegion"
	closeRegionMethod   = "/" + regionServerService + "/CloseRegion"
)

// RegionServerHandler is the region server side of the directive protocol.
type RegionServerHandler interface {
	OpenRegion(ctx context.Context, req *OpenRegionRequest) (*OpenRegionResponse, error)
	CloseRegion(ctx context.Context, req *CloseRegionRequest) (*CloseRegionResponse, error)
}

// unary adapts a typed method to a grpc.MethodHandler.
func unary[H any, Req any, PReq interface {
	*Req
	Message
}](fullMethod string, call func(h H, ctx context.Context, req PReq) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		h := srv.(H)
		if interceptor == nil {
			return call(h, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(h, ctx, req.(PReq))
		})
	}
}

var regionServerDesc = grpc.ServiceDesc{
	ServiceName: regionServerService,
	HandlerType: (*RegionServerHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "OpenRegion",
			Handler: unary(openRegionMethod, func(h RegionServerHandler, ctx context.Context, req *OpenRegionRequest) (any, error) {
				resp, err := h.OpenRegion(ctx, req)
				if err != nil {
					return nil, err
				}
				return resp, nil
			}),
		},
		{
			MethodName: "CloseRegion",
			Handler: unary(closeRegionMethod, func(h RegionServerHandler, ctx context.Context, req *CloseRegionRequest) (any, error) {
				resp, err := h.CloseRegion(ctx, req)
				if err != nil {
					return nil, err
				}
				return resp, nil
			}),
		},
	},
}

// RegisterRegionServer installs h on s.
func RegisterRegionServer(s grpc.ServiceRegistrar, h RegionServerHandler) {
	s.RegisterService(&regionServerDesc, h)
}

// RegionServerClient sends open and close directives over gRPC. One
// connection is kept per server and dropped when the server is expired.
type RegionServerClient struct {
	dialOpts []grpc.DialOption
	timeout  time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[region.ServerName]*grpc.ClientConn
}

var (
	_ servers.RegionServerInvoker = (*RegionServerClient)(nil)
	_ servers.Listener            = (*RegionServerClient)(nil)
)

// RegionServerClientOptions configures a RegionServerClient.
type RegionServerClientOptions struct {
	// Timeout bounds each directive. Zero means 5s.
	Timeout     time.Duration
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

func NewRegionServerClient(opts RegionServerClientOptions) *RegionServerClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RegionServerClient{
		dialOpts: clientDialOptions(opts.DialOptions...),
		timeout:  opts.Timeout,
		logger:   opts.Logger.Named("rpc"),
		conns:    make(map[region.ServerName]*grpc.ClientConn),
	}
}

func (c *RegionServerClient) conn(sn region.ServerName) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[sn]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient("passthrough:///"+sn.HostPort(), c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sn, err)
	}
	c.conns[sn] = conn
	return conn, nil
}

// OpenRegion implements servers.RegionServerInvoker.
func (c *RegionServerClient) OpenRegion(ctx context.Context, sn region.ServerName, r region.Region, version int32) (servers.OpeningState, error) {
	conn, err := c.conn(sn)
	if err != nil {
		return servers.FailedOpening, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp := new(OpenRegionResponse)
	if err := conn.Invoke(ctx, openRegionMethod, &OpenRegionRequest{Region: r, Version: version}, resp); err != nil {
		return servers.FailedOpening, fmt.Errorf("open %s on %s: %w", r.EncodedName(), sn, err)
	}
	return resp.State, nil
}

// CloseRegion implements servers.RegionServerInvoker.
func (c *RegionServerClient) CloseRegion(ctx context.Context, sn region.ServerName, r region.Region, version int32) (bool, error) {
	conn, err := c.conn(sn)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp := new(CloseRegionResponse)
	if err := conn.Invoke(ctx, closeRegionMethod, &CloseRegionRequest{Region: r, Version: version}, resp); err != nil {
		return false, fmt.Errorf("close %s on %s: %w", r.EncodedName(), sn, err)
	}
	return resp.Closed, nil
}

// ServerAdded implements servers.Listener.
func (c *RegionServerClient) ServerAdded(region.ServerName) {}

// ServerRemoved drops the connection of an expired server.
func (c *RegionServerClient) ServerRemoved(sn region.ServerName) {
	c.mu.Lock()
	conn, ok := c.conns[sn]
	delete(c.conns, sn)
	c.mu.Unlock()
	if ok {
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing connection failed", zap.Stringer("server", sn), zap.Error(err))
		}
	}
}

// Close closes every connection.
func (c *RegionServerClient) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[region.ServerName]*grpc.ClientConn)
	c.mu.Unlock()
	var first error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
