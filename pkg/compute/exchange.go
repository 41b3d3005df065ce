package compute

import (
	"context"
	"errors"
	"io"

	"github.com/freshet-io/freshet/pkg/rpc"
	"github.com/freshet-io/freshet/pkg/stream"
)

// ExchangeService serves this node's outbound exchange edges to remote
// downstream actors: a downstream node opens the edge and receives its
// messages over a server stream.
type ExchangeService struct {
	node *Node
}

// NewExchangeService creates the service for a node
func NewExchangeService(node *Node) *ExchangeService {
	return &ExchangeService{node: node}
}

// Open implements rpc.ExchangeServer
func (s *ExchangeService) Open(req *rpc.ExchangeOpen, sendStream rpc.ExchangeSendStream) error {
	ch := s.node.Shared().Channel(req.UpstreamActor, req.DownstreamActor)
	ctx := sendStream.Context()
	for {
		msg, ok, err := ch.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		frame := &rpc.ExchangeFrame{
			Chunk:     msg.Chunk,
			Barrier:   msg.Barrier,
			Watermark: msg.Watermark,
		}
		if err := sendStream.Send(frame); err != nil {
			return err
		}
	}
}

// OpenRemoteInput bridges a remote upstream edge into a local channel:
// the returned channel feeds the local merger exactly like a local
// upstream would. The pump closes the channel when the remote side ends.
func OpenRemoteInput(ctx context.Context, client *rpc.ExchangeClient, up, down uint32, capacity int) (*stream.Channel, error) {
	recv, err := client.Open(ctx, &rpc.ExchangeOpen{UpstreamActor: up, DownstreamActor: down})
	if err != nil {
		return nil, err
	}
	ch := stream.NewChannel(up, down, capacity)
	go func() {
		defer ch.Close()
		for {
			frame, err := recv.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					// Transient remote failures surface as end-of-stream;
					// the barrier protocol re-establishes consistency.
					return
				}
				return
			}
			msg := &stream.Message{
				Chunk:     frame.Chunk,
				Barrier:   frame.Barrier,
				Watermark: frame.Watermark,
			}
			if err := ch.Send(ctx, msg); err != nil {
				return
			}
		}
	}()
	return ch, nil
}
