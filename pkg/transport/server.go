// Package transport carries forwarded requests between gridstore servers
// over gRPC.
package transport

import (
	"context"
	"net"

	"gridstore/pkg/errcode"
	"gridstore/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "gridstore.Agent"
	forwardMethod = "/" + ServiceName + "/Forward"
)

// Handler executes requests that arrive from other servers.
type Handler interface {
	Handle(ctx context.Context, req *types.Request) (*types.Response, error)
}

type agentServer interface {
	Forward(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*agentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridstore/agent",
}

func forwardHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agentServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: forwardMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(agentServer).Forward(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a Handler to other servers.
type Server struct {
	handler Handler
	logger  *zap.Logger
	grpc    *grpc.Server
}

// NewServer registers handler behind the forwarding service. opts are
// passed to grpc.NewServer, e.g. TLS credentials.
func NewServer(handler Handler, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(RequestIDServerInterceptor(logger)))

	s := &Server{handler: handler, logger: logger, grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Forward decodes a forwarded request, runs it and encodes the reply. A
// failure travels inside the reply as its status code.
func (s *Server) Forward(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := DecodeRequest(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if req.ID == "" {
		req.ID = RequestIDFrom(ctx)
	}

	resp, err := s.handler.Handle(ctx, req)
	if resp == nil {
		resp = &types.Response{RequestID: req.ID}
	}
	if err != nil {
		resp.Status = int(errcode.CodeOf(err))
		if resp.Message == "" {
			resp.Message = errcode.Message(err)
		}
	}

	out, err := EncodeResponse(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return out, nil
}

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Transport listening", zap.String("address", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight requests, then stops serving.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
