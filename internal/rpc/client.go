package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client is a typed Graph service client.
type Client struct {
	cc *grpc.ClientConn
}

// Dial creates a client for addr. The connection is established lazily on
// the first call. Extra options are appended after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	cc, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{cc: cc}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	resp, err := invoke[ListNodesResponse](ctx, c, MethodListNodes, &ListNodesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// ListPorts lists ports, restricted to nodeID when it is non-nil.
func (c *Client) ListPorts(ctx context.Context, nodeID *uint32) ([]Port, error) {
	resp, err := invoke[ListPortsResponse](ctx, c, MethodListPorts, &ListPortsRequest{NodeID: nodeID})
	if err != nil {
		return nil, err
	}
	return resp.Ports, nil
}

func (c *Client) ListApplications(ctx context.Context) ([]Application, error) {
	resp, err := invoke[ListApplicationsResponse](ctx, c, MethodListApplications, &ListApplicationsRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Applications, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	resp, err := invoke[ListDevicesResponse](ctx, c, MethodListDevices, &ListDevicesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (c *Client) ListLinks(ctx context.Context) ([]Link, error) {
	resp, err := invoke[ListLinksResponse](ctx, c, MethodListLinks, &ListLinksRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Links, nil
}

func (c *Client) GetPortByObjectSerial(ctx context.Context, serial uint32) (Port, error) {
	resp, err := invoke[GetPortByObjectSerialResponse](ctx, c, MethodGetPortByObjectSerial,
		&GetPortByObjectSerialRequest{ObjectSerial: serial})
	if err != nil {
		return Port{}, err
	}
	return resp.Port, nil
}

func (c *Client) CreateLink(ctx context.Context, req *CreateLinkRequest) (*CreateLinkResponse, error) {
	return invoke[CreateLinkResponse](ctx, c, MethodCreateLink, req)
}

func (c *Client) GetStatus(ctx context.Context) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c, MethodGetStatus, &GetStatusRequest{})
}

func (c *Client) ListLinkCommands(ctx context.Context, limit int32) ([]LinkCommand, error) {
	resp, err := invoke[ListLinkCommandsResponse](ctx, c, MethodListLinkCommands, &ListLinkCommandsRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// Health asks the standard health service about the Graph service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx,
		&healthpb.HealthCheckRequest{Service: ServiceName},
		grpc.CallContentSubtype("proto"))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// GraphEventStream is the client side of WatchGraph.
type GraphEventStream struct {
	stream grpc.ClientStream
}

// Recv returns the next event. It returns io.EOF when the server ends the
// stream cleanly.
func (s *GraphEventStream) Recv() (*GraphEvent, error) {
	ev := new(GraphEvent)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// WatchGraph opens a change stream and returns once the server is
// subscribed. Cancel ctx to end it.
func (c *Client) WatchGraph(ctx context.Context, kinds ...string) (*GraphEventStream, error) {
	stream, err := c.cc.NewStream(ctx, &GraphServiceDesc.Streams[0], MethodWatchGraph)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchGraphRequest{Kinds: kinds}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	if _, err := stream.Header(); err != nil {
		return nil, err
	}
	return &GraphEventStream{stream: stream}, nil
}

// IsEOF reports whether err marks the clean end of a stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
