package cluster

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// transportServiceName names the single gRPC service that carries both
// task dispatch and topic fan-out over one bidirectional stream per
// peer (§4.7.1 "keeping the wire surface to a single generated
// client/server pair" — hand-authored here in place of protoc output;
// see DESIGN.md).
const transportServiceName = "cluster.Transport"

// FrameKind tags which payload a Frame carries.
type FrameKind uint8

const (
	_ FrameKind = iota
	FrameTask
	FrameResult
	FrameTopic
)

// Frame is the single message type exchanged on the transport stream.
type Frame struct {
	Kind   FrameKind
	Task   *TaskRequest
	Result *TaskResult
	Topic  *TopicMessage
}

// TransportServer is implemented by a node to accept inbound frames from
// a peer's stream.
type TransportServer interface {
	Stream(TransportStreamServer) error
}

// TransportStreamServer is the server side of one peer's bidirectional stream.
type TransportStreamServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type transportStreamServer struct {
	grpc.ServerStream
}

func (x *transportStreamServer) Send(f *Frame) error {
	return x.ServerStream.SendMsg(f)
}

func (x *transportStreamServer) Recv() (*Frame, error) {
	f := new(Frame)
	if err := x.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func transportStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TransportServer).Stream(&transportStreamServer{ServerStream: stream})
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: transportServiceName,
	HandlerType: (*TransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       transportStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "cluster.proto",
}

// RegisterTransportServer registers srv on s, the moral equivalent of a
// protoc-gen-go-grpc RegisterXServer function.
func RegisterTransportServer(s *grpc.Server, srv TransportServer) {
	s.RegisterService(&transportServiceDesc, srv)
}

// TransportClient dials a peer's Stream RPC.
type TransportClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (TransportStreamClient, error)
}

type transportClient struct {
	cc grpc.ClientConnInterface
}

// NewTransportClient wraps cc, which callers dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype("gob")) so every
// RPC on it uses the registered gob codec.
func NewTransportClient(cc grpc.ClientConnInterface) TransportClient {
	return &transportClient{cc: cc}
}

func (c *transportClient) Stream(ctx context.Context, opts ...grpc.CallOption) (TransportStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &transportServiceDesc.Streams[0], fmt.Sprintf("/%s/Stream", transportServiceName), opts...)
	if err != nil {
		return nil, err
	}
	return &transportStreamClient{ClientStream: stream}, nil
}

// TransportStreamClient is the client side of one peer's bidirectional stream.
type TransportStreamClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type transportStreamClient struct {
	grpc.ClientStream
}

func (x *transportStreamClient) Send(f *Frame) error {
	return x.ClientStream.SendMsg(f)
}

func (x *transportStreamClient) Recv() (*Frame, error) {
	f := new(Frame)
	if err := x.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
