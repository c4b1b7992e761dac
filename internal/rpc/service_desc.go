package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pwgraph.v1.Graph"

// Full method names.
const (
	MethodListNodes             = "/" + ServiceName + "/ListNodes"
	MethodListPorts             = "/" + ServiceName + "/ListPorts"
	MethodListApplications      = "/" + ServiceName + "/ListApplications"
	MethodListDevices           = "/" + ServiceName + "/ListDevices"
	MethodListLinks             = "/" + ServiceName + "/ListLinks"
	MethodGetPortByObjectSerial = "/" + ServiceName + "/GetPortByObjectSerial"
	MethodCreateLink            = "/" + ServiceName + "/CreateLink"
	MethodGetStatus             = "/" + ServiceName + "/GetStatus"
	MethodListLinkCommands      = "/" + ServiceName + "/ListLinkCommands"
	MethodWatchGraph            = "/" + ServiceName + "/WatchGraph"
)

// GraphServer is the server API of the Graph service.
type GraphServer interface {
	ListNodes(context.Context, *ListNodesRequest) (*ListNodesResponse, error)
	ListPorts(context.Context, *ListPortsRequest) (*ListPortsResponse, error)
	ListApplications(context.Context, *ListApplicationsRequest) (*ListApplicationsResponse, error)
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	ListLinks(context.Context, *ListLinksRequest) (*ListLinksResponse, error)
	GetPortByObjectSerial(context.Context, *GetPortByObjectSerialRequest) (*GetPortByObjectSerialResponse, error)
	CreateLink(context.Context, *CreateLinkRequest) (*CreateLinkResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	ListLinkCommands(context.Context, *ListLinkCommandsRequest) (*ListLinkCommandsResponse, error)
	WatchGraph(*WatchGraphRequest, GraphWatchServer) error
}

// GraphWatchServer is the server side of a WatchGraph stream.
type GraphWatchServer interface {
	Send(*GraphEvent) error
	grpc.ServerStream
}

type graphWatchServer struct {
	grpc.ServerStream
}

func (s *graphWatchServer) Send(ev *GraphEvent) error {
	return s.ServerStream.SendMsg(ev)
}

// unary builds the method descriptor for one unary call.
func unary[Req, Resp any](name string, call func(GraphServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GraphServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(GraphServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchGraphHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchGraphRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GraphServer).WatchGraph(in, &graphWatchServer{stream})
}

// GraphServiceDesc describes the Graph service for grpc.Server.RegisterService.
var GraphServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GraphServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListNodes", GraphServer.ListNodes),
		unary("ListPorts", GraphServer.ListPorts),
		unary("ListApplications", GraphServer.ListApplications),
		unary("ListDevices", GraphServer.ListDevices),
		unary("ListLinks", GraphServer.ListLinks),
		unary("GetPortByObjectSerial", GraphServer.GetPortByObjectSerial),
		unary("CreateLink", GraphServer.CreateLink),
		unary("GetStatus", GraphServer.GetStatus),
		unary("ListLinkCommands", GraphServer.ListLinkCommands),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchGraph",
			Handler:       watchGraphHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pwgraph/v1/graph",
}
