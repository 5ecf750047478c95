package control

import (
	"context"

	"google.golang.org/grpc"

	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/targets"
)

// CompanionHandler is the server-side companion contract. The production
// companion binary lives out of tree; this registration serves the in-repo
// fake companion and tests that need a live endpoint speaking the same
// wire contract the dialer consumes.
type CompanionHandler interface {
	Describe(ctx context.Context) (*targets.TargetDescription, error)
}

func RegisterCompanionHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler CompanionHandler, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&companionServiceDesc, &companionServerHandler{
		handler: handler,
		logger:  logger,
	})
}

// companionService is what the service descriptor binds to; it mirrors the
// interface protoc would have generated for the service.
type companionService interface {
	describe(ctx context.Context, request *DescribeRequest) (*DescribeResponse, error)
}

type companionServerHandler struct {
	handler CompanionHandler
	logger  logging.Logger
}

func (h *companionServerHandler) describe(ctx context.Context, request *DescribeRequest) (*DescribeResponse, error) {
	target, err := h.handler.Describe(ctx)
	if err != nil {
		h.logger.Errorf("Describe server handler: %v", err)
		return nil, err
	}
	h.logger.Debugf("Describe server handler done")
	return &DescribeResponse{Target: target}, nil
}

func companionDescribeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	request := &DescribeRequest{}
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(companionService).describe(ctx, request)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: describeMethod,
	}
	wrapped := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(companionService).describe(ctx, req.(*DescribeRequest))
	}
	return interceptor(ctx, request, info, wrapped)
}

var companionServiceDesc = grpc.ServiceDesc{
	ServiceName: companionServiceName,
	HandlerType: (*companionService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "describe",
			Handler:    companionDescribeHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}
