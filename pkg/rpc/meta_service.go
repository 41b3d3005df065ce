package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/hummock/compaction"
	"github.com/freshet-io/freshet/pkg/types"
)

// Request/response messages of the meta RPC surface.

type RegisterRequest struct {
	Host           string
	Port           int
	Type           types.WorkerType
	Parallelism    int
	Schedulability types.Schedulability
}

type RegisterResponse struct {
	WorkerID        uint32
	TransactionalID uint32
	Version         *hummock.Version
}

type HeartbeatRequest struct {
	WorkerID uint32
	// UnpinnedVersions reports fully-released version pins for GC
	UnpinnedVersions []uint64
}

type HeartbeatResponse struct{}

type CollectBarrierRequest struct {
	WorkerID uint32
	Epoch    types.EpochPair
	Synced   []hummock.SstableInfo
}

type CollectBarrierResponse struct{}

type PinVersionRequest struct {
	WorkerID uint32
}

type PinVersionResponse struct {
	Version *hummock.Version
}

type UnpinVersionRequest struct {
	WorkerID  uint32
	VersionID uint64
}

type UnpinVersionResponse struct{}

type SubscribeRequest struct {
	WorkerID uint32
}

// Notification is one element of the subscribe stream: a version delta
// to apply, a barrier to inject into source actors, actors to build
// (recovery, DDL), or a membership event.
type Notification struct {
	Delta       *hummock.VersionDelta
	FullVersion *hummock.Version
	Barrier     *types.Barrier
	AddActors   []types.ActorInfo
	WorkerDown  uint32
}

type GetCompactionTaskRequest struct {
	WorkerID uint32
}

type GetCompactionTaskResponse struct {
	// Task is nil when no work is pending
	Task *compaction.Task
}

type ReportCompactionRequest struct {
	WorkerID uint32
	Result   *compaction.Result
}

type ReportCompactionResponse struct{}

type NextObjectIDRequest struct {
	Count uint64
}

type NextObjectIDResponse struct {
	// Start is the first id of the allocated contiguous range
	Start uint64
}

type FlushRequest struct{}

type FlushResponse struct {
	CommittedEpoch types.Epoch
}

// MetaServer is the server-side contract of the meta service
type MetaServer interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	CollectBarrier(ctx context.Context, req *CollectBarrierRequest) (*CollectBarrierResponse, error)
	PinVersion(ctx context.Context, req *PinVersionRequest) (*PinVersionResponse, error)
	UnpinVersion(ctx context.Context, req *UnpinVersionRequest) (*UnpinVersionResponse, error)
	GetCompactionTask(ctx context.Context, req *GetCompactionTaskRequest) (*GetCompactionTaskResponse, error)
	ReportCompaction(ctx context.Context, req *ReportCompactionRequest) (*ReportCompactionResponse, error)
	NextObjectID(ctx context.Context, req *NextObjectIDRequest) (*NextObjectIDResponse, error)
	Flush(ctx context.Context, req *FlushRequest) (*FlushResponse, error)
	Subscribe(req *SubscribeRequest, stream MetaSubscribeStream) error
}

// MetaSubscribeStream is the server view of the notification stream
type MetaSubscribeStream interface {
	Send(*Notification) error
	Context() context.Context
}

type metaSubscribeStream struct {
	grpc.ServerStream
}

func (s *metaSubscribeStream) Send(n *Notification) error {
	return s.ServerStream.SendMsg(n)
}

const metaServiceName = "freshet.meta.MetaService"

func unaryHandler[Req any, Resp any](method func(MetaServer, context.Context, *Req) (*Resp, error), fullName string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(MetaServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullName}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(MetaServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _Meta_Subscribe_Handler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(MetaServer).Subscribe(req, &metaSubscribeStream{ServerStream: stream})
}

// MetaServiceDesc is the hand-rolled service descriptor
var MetaServiceDesc = grpc.ServiceDesc{
	ServiceName: metaServiceName,
	HandlerType: (*MetaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(MetaServer.Register, "/"+metaServiceName+"/Register")},
		{MethodName: "Heartbeat", Handler: unaryHandler(MetaServer.Heartbeat, "/"+metaServiceName+"/Heartbeat")},
		{MethodName: "CollectBarrier", Handler: unaryHandler(MetaServer.CollectBarrier, "/"+metaServiceName+"/CollectBarrier")},
		{MethodName: "PinVersion", Handler: unaryHandler(MetaServer.PinVersion, "/"+metaServiceName+"/PinVersion")},
		{MethodName: "UnpinVersion", Handler: unaryHandler(MetaServer.UnpinVersion, "/"+metaServiceName+"/UnpinVersion")},
		{MethodName: "GetCompactionTask", Handler: unaryHandler(MetaServer.GetCompactionTask, "/"+metaServiceName+"/GetCompactionTask")},
		{MethodName: "ReportCompaction", Handler: unaryHandler(MetaServer.ReportCompaction, "/"+metaServiceName+"/ReportCompaction")},
		{MethodName: "NextObjectID", Handler: unaryHandler(MetaServer.NextObjectID, "/"+metaServiceName+"/NextObjectID")},
		{MethodName: "Flush", Handler: unaryHandler(MetaServer.Flush, "/"+metaServiceName+"/Flush")},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: _Meta_Subscribe_Handler, ServerStreams: true},
	},
}

// RegisterMetaServer registers srv on the grpc server
func RegisterMetaServer(s *grpc.Server, srv MetaServer) {
	s.RegisterService(&MetaServiceDesc, srv)
}

// MetaClient is the dialing side of the meta service
type MetaClient struct {
	conn *grpc.ClientConn
}

// NewMetaClient wraps an established connection
func NewMetaClient(conn *grpc.ClientConn) *MetaClient {
	return &MetaClient{conn: conn}
}

// Dial connects to a meta node
func Dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, DefaultDialOptions()...)
}

func (c *MetaClient) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+metaServiceName+"/"+method, req, resp, grpc.ForceCodec(Codec{}))
}

func (c *MetaClient) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	resp := new(RegisterResponse)
	return resp, c.invoke(ctx, "Register", req, resp)
}

func (c *MetaClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	resp := new(HeartbeatResponse)
	return resp, c.invoke(ctx, "Heartbeat", req, resp)
}

func (c *MetaClient) CollectBarrier(ctx context.Context, req *CollectBarrierRequest) (*CollectBarrierResponse, error) {
	resp := new(CollectBarrierResponse)
	return resp, c.invoke(ctx, "CollectBarrier", req, resp)
}

func (c *MetaClient) PinVersion(ctx context.Context, req *PinVersionRequest) (*PinVersionResponse, error) {
	resp := new(PinVersionResponse)
	return resp, c.invoke(ctx, "PinVersion", req, resp)
}

func (c *MetaClient) UnpinVersion(ctx context.Context, req *UnpinVersionRequest) (*UnpinVersionResponse, error) {
	resp := new(UnpinVersionResponse)
	return resp, c.invoke(ctx, "UnpinVersion", req, resp)
}

func (c *MetaClient) GetCompactionTask(ctx context.Context, req *GetCompactionTaskRequest) (*GetCompactionTaskResponse, error) {
	resp := new(GetCompactionTaskResponse)
	return resp, c.invoke(ctx, "GetCompactionTask", req, resp)
}

func (c *MetaClient) ReportCompaction(ctx context.Context, req *ReportCompactionRequest) (*ReportCompactionResponse, error) {
	resp := new(ReportCompactionResponse)
	return resp, c.invoke(ctx, "ReportCompaction", req, resp)
}

func (c *MetaClient) NextObjectID(ctx context.Context, req *NextObjectIDRequest) (*NextObjectIDResponse, error) {
	resp := new(NextObjectIDResponse)
	return resp, c.invoke(ctx, "NextObjectID", req, resp)
}

func (c *MetaClient) Flush(ctx context.Context) (*FlushResponse, error) {
	resp := new(FlushResponse)
	return resp, c.invoke(ctx, "Flush", &FlushRequest{}, resp)
}

// Subscribe opens the notification stream
func (c *MetaClient) Subscribe(ctx context.Context, req *SubscribeRequest) (NotificationStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+metaServiceName+"/Subscribe", grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &notificationStream{ClientStream: stream}, nil
}

// NotificationStream is the client view of the subscribe stream
type NotificationStream interface {
	Recv() (*Notification, error)
}

type notificationStream struct {
	grpc.ClientStream
}

func (s *notificationStream) Recv() (*Notification, error) {
	n := new(Notification)
	if err := s.ClientStream.RecvMsg(n); err != nil {
		return nil, err
	}
	return n, nil
}
