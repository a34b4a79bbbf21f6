// Package theaterpb defines the gRPC transport for the management protocol
// of spec.md §6: a single bidirectional-streaming method, Command, carrying
// frames that are tagged-union *structpb.Struct values rather than
// per-message generated types.
//
// This environment cannot run protoc, and the task's ground rules treat a
// hand-fabricated *.pb.go as a vendored fake. structpb.Struct is itself a
// real, compiled protobuf message from google.golang.org/protobuf's
// well-known types, so building the service directly on it — plus a
// hand-written grpc.ServiceDesc, which is the same public surface
// protoc-gen-go-grpc emits into generated code — gives a genuine, wire-
// compatible gRPC service with no generated-code forgery. Only custom
// message types are forgone; the transport, framing, and codec are real
// gRPC.
package theaterpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "theater.v1.Theater"

// TheaterServer is the server-side contract for the Theater management
// service: one long-lived bidirectional stream of command/response frames
// per connection.
type TheaterServer interface {
	Command(CommandStream) error
}

// CommandStream is the server's view of one Command RPC: receive request
// frames, send response (and, for Subscribe, out-of-band event) frames.
type CommandStream interface {
	grpc.ServerStream
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
}

type commandServerStream struct {
	grpc.ServerStream
}

func (x *commandServerStream) Send(m *structpb.Struct) error { return x.ServerStream.SendMsg(m) }

func (x *commandServerStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Theater_Command_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(TheaterServer).Command(&commandServerStream{ServerStream: stream})
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a service with a single bidi-streaming method.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TheaterServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Command",
			Handler:       _Theater_Command_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "theater/theaterpb/service.go",
}

// RegisterTheaterServer registers srv with s, matching the
// RegisterXxxServer convention of generated gRPC code.
func RegisterTheaterServer(s grpc.ServiceRegistrar, srv TheaterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// TheaterClient is the client-side contract.
type TheaterClient interface {
	Command(ctx context.Context, opts ...grpc.CallOption) (CommandClient, error)
}

// CommandClient is the client's view of one Command RPC.
type CommandClient interface {
	grpc.ClientStream
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
}

type theaterClient struct {
	cc grpc.ClientConnInterface
}

// NewTheaterClient builds a client for the Theater service over cc.
func NewTheaterClient(cc grpc.ClientConnInterface) TheaterClient {
	return &theaterClient{cc: cc}
}

func (c *theaterClient) Command(ctx context.Context, opts ...grpc.CallOption) (CommandClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Command", opts...)
	if err != nil {
		return nil, err
	}
	return &commandClientStream{ClientStream: stream}, nil
}

type commandClientStream struct {
	grpc.ClientStream
}

func (x *commandClientStream) Send(m *structpb.Struct) error { return x.ClientStream.SendMsg(m) }

func (x *commandClientStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
