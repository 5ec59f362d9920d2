package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nupi.asr.v1.StreamingRecognition"

// HotwordsMetadataKey carries hotword text (UTF-8, one phrase per line) on
// the Recognize call. The -bin suffix lets non-ASCII tokens through.
const HotwordsMetadataKey = "hotwords-bin"

// RecognitionServer is the server API for StreamingRecognition.
//
// Recognize is a bidirectional stream. Requests are BytesValue messages of
// little-endian float32 feature frames; responses are StringValue messages
// holding result JSON. A result is sent when its text changes and when an
// endpoint fires. Closing the send side flushes buffered input and sends
// the last result unless the client already received it.
type RecognitionServer interface {
	Recognize(RecognitionStream) error
}

// RecognitionStream is the server side of a Recognize call.
type RecognitionStream interface {
	Send(*wrapperspb.StringValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type recognizeServerStream struct {
	grpc.ServerStream
}

func (x *recognizeServerStream) Send(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *recognizeServerStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func recognizeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RecognitionServer).Recognize(&recognizeServerStream{stream})
}

// ServiceDesc describes StreamingRecognition for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecognitionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Recognize",
			Handler:       recognizeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nupi/asr/v1/recognition.proto",
}

// RegisterRecognitionServer registers srv on s.
func RegisterRecognitionServer(s grpc.ServiceRegistrar, srv RecognitionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// RecognitionClient is the client API for StreamingRecognition.
type RecognitionClient interface {
	Recognize(ctx context.Context, opts ...grpc.CallOption) (RecognitionClientStream, error)
}

// RecognitionClientStream is the client side of a Recognize call.
type RecognitionClientStream interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.StringValue, error)
	grpc.ClientStream
}

type recognitionClient struct {
	cc grpc.ClientConnInterface
}

// NewRecognitionClient returns a client bound to cc.
func NewRecognitionClient(cc grpc.ClientConnInterface) RecognitionClient {
	return &recognitionClient{cc: cc}
}

func (c *recognitionClient) Recognize(ctx context.Context, opts ...grpc.CallOption) (RecognitionClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Recognize", opts...)
	if err != nil {
		return nil, err
	}
	return &recognizeClientStream{stream}, nil
}

type recognizeClientStream struct {
	grpc.ClientStream
}

func (x *recognizeClientStream) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *recognizeClientStream) Recv() (*wrapperspb.StringValue, error) {
	m := new(wrapperspb.StringValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
