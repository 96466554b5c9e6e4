package ledger

import (
	"context"
	"encoding/hex"

	"google.golang.org/grpc"

	"github.com/cmatc13/txrelay/internal/transaction"
)

// StatusUpdate is one message of a status stream as produced by a ledger.
type StatusUpdate struct {
	Status         WireStatus
	FailedCommand  string
	FailedCmdIndex uint64
	ErrorCode      uint32
	Message        string
}

// Server is the ledger side of the gateway protocol. Ledger nodes, proxies and
// test doubles implement it and expose it with RegisterServer.
type Server interface {
	Submit(ctx context.Context, raw []byte) error
	StatusStream(ctx context.Context, id transaction.ID, send func(StatusUpdate) error) error
	AccountQuorum(ctx context.Context, accountID string) (uint32, error)
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&commandServiceDesc, srv)
	s.RegisterService(&queryServiceDesc, srv)
}

var commandServiceDesc = grpc.ServiceDesc{
	ServiceName: commandServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StatusStream", Handler: statusStreamHandler, ServerStreams: true},
	},
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AccountQuorum", Handler: quorumHandler},
	},
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &rawTransaction{}
	if err := dec(req); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		return &empty{}, srv.(Server).Submit(ctx, req.(*rawTransaction).raw)
	}
	if interceptor == nil {
		return handle(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}, handle)
}

func quorumHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &quorumRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		quorum, err := srv.(Server).AccountQuorum(ctx, req.(*quorumRequest).accountID)
		if err != nil {
			return nil, err
		}
		return &quorumResponse{quorum: quorum}, nil
	}
	if interceptor == nil {
		return handle(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: quorumMethod}, handle)
}

func statusStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := &statusRequest{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	var id transaction.ID
	copy(id[:], req.txHash)
	txHash := hex.EncodeToString(req.txHash)

	return srv.(Server).StatusStream(stream.Context(), id, func(u StatusUpdate) error {
		return stream.SendMsg(&statusResponse{
			status:         u.Status,
			txHash:         txHash,
			errOrCmdName:   u.FailedCommand,
			failedCmdIndex: u.FailedCmdIndex,
			errorCode:      u.ErrorCode,
			message:        u.Message,
		})
	})
}
