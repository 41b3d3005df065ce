package compute

import (
	"context"
	"errors"
	"io"

	"github.com/freshet-io/freshet/pkg/meta"
	"github.com/freshet-io/freshet/pkg/rpc"
)

// LocalMeta adapts an in-process meta server to the MetaAPI, for hybrid
// single-binary deployments and tests.
type LocalMeta struct {
	Server *meta.Server
}

func (m *LocalMeta) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	return m.Server.Register(ctx, req)
}

func (m *LocalMeta) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	return m.Server.Heartbeat(ctx, req)
}

func (m *LocalMeta) CollectBarrier(ctx context.Context, req *rpc.CollectBarrierRequest) (*rpc.CollectBarrierResponse, error) {
	return m.Server.CollectBarrier(ctx, req)
}

func (m *LocalMeta) NextObjectID(ctx context.Context, req *rpc.NextObjectIDRequest) (*rpc.NextObjectIDResponse, error) {
	return m.Server.NextObjectID(ctx, req)
}

func (m *LocalMeta) Notifications(ctx context.Context, workerID uint32) (<-chan *rpc.Notification, error) {
	ch := m.Server.Hub().Subscribe(workerID)
	out := make(chan *rpc.Notification, 16)
	out <- &rpc.Notification{FullVersion: m.Server.Version().Clone()}
	go func() {
		defer close(out)
		for {
			select {
			case n, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				m.Server.Hub().Unsubscribe(workerID, ch)
				return
			}
		}
	}()
	return out, nil
}

// RemoteMeta adapts the gRPC meta client to the MetaAPI
type RemoteMeta struct {
	Client *rpc.MetaClient
}

func (m *RemoteMeta) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	return m.Client.Register(ctx, req)
}

func (m *RemoteMeta) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	return m.Client.Heartbeat(ctx, req)
}

func (m *RemoteMeta) CollectBarrier(ctx context.Context, req *rpc.CollectBarrierRequest) (*rpc.CollectBarrierResponse, error) {
	return m.Client.CollectBarrier(ctx, req)
}

func (m *RemoteMeta) NextObjectID(ctx context.Context, req *rpc.NextObjectIDRequest) (*rpc.NextObjectIDResponse, error) {
	return m.Client.NextObjectID(ctx, req)
}

func (m *RemoteMeta) Notifications(ctx context.Context, workerID uint32) (<-chan *rpc.Notification, error) {
	stream, err := m.Client.Subscribe(ctx, &rpc.SubscribeRequest{WorkerID: workerID})
	if err != nil {
		return nil, err
	}
	out := make(chan *rpc.Notification, 16)
	go func() {
		defer close(out)
		for {
			n, err := stream.Recv()
			if errors.Is(err, io.EOF) || err != nil {
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
