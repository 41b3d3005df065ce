package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/freshet-io/freshet/pkg/types"
)

// DefaultDialOptions returns the dial options every intra-cluster
// connection uses: the shared codec and plaintext transport (the
// cluster network is private; TLS is terminated at the edge).
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
}

// NewServer creates a grpc server speaking the shared codec
func NewServer() *grpc.Server {
	return grpc.NewServer(grpc.ForceServerCodec(Codec{}))
}

// Exchange frames: the first frame of a stream identifies the edge;
// every later frame carries one message.

type ExchangeOpen struct {
	UpstreamActor   uint32
	DownstreamActor uint32
}

// ExchangeFrame carries one stream message across nodes
type ExchangeFrame struct {
	Chunk     *types.StreamChunk
	Barrier   *types.Barrier
	Watermark *types.Watermark
}

// ExchangeServer serves the cross-node half of exchange channels: a
// downstream node opens a stream to the upstream node and receives the
// edge's messages.
type ExchangeServer interface {
	Open(req *ExchangeOpen, stream ExchangeSendStream) error
}

// ExchangeSendStream is the server view of an open exchange
type ExchangeSendStream interface {
	Send(*ExchangeFrame) error
	Context() context.Context
}

type exchangeSendStream struct {
	grpc.ServerStream
}

func (s *exchangeSendStream) Send(f *ExchangeFrame) error {
	return s.ServerStream.SendMsg(f)
}

const exchangeServiceName = "freshet.stream.ExchangeService"

func _Exchange_Open_Handler(srv any, stream grpc.ServerStream) error {
	req := new(ExchangeOpen)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ExchangeServer).Open(req, &exchangeSendStream{ServerStream: stream})
}

// ExchangeServiceDesc is the hand-rolled service descriptor
var ExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: exchangeServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Open", Handler: _Exchange_Open_Handler, ServerStreams: true},
	},
}

// RegisterExchangeServer registers srv on the grpc server
func RegisterExchangeServer(s *grpc.Server, srv ExchangeServer) {
	s.RegisterService(&ExchangeServiceDesc, srv)
}

// ExchangeClient opens remote exchange edges
type ExchangeClient struct {
	conn *grpc.ClientConn
}

// NewExchangeClient wraps an established connection
func NewExchangeClient(conn *grpc.ClientConn) *ExchangeClient {
	return &ExchangeClient{conn: conn}
}

// ExchangeRecvStream is the client view of an open exchange
type ExchangeRecvStream interface {
	Recv() (*ExchangeFrame, error)
}

type exchangeRecvStream struct {
	grpc.ClientStream
}

func (s *exchangeRecvStream) Recv() (*ExchangeFrame, error) {
	f := new(ExchangeFrame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Open subscribes to the messages of one exchange edge
func (c *ExchangeClient) Open(ctx context.Context, req *ExchangeOpen) (ExchangeRecvStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Open", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+exchangeServiceName+"/Open", grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &exchangeRecvStream{ClientStream: stream}, nil
}
