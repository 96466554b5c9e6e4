package ledger

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cmatc13/txrelay/internal/transaction"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

const (
	commandServiceName = "txrelay.ledger.v1.CommandService"
	queryServiceName   = "txrelay.ledger.v1.QueryService"

	submitMethod       = "/" + commandServiceName + "/Submit"
	statusStreamMethod = "/" + commandServiceName + "/StatusStream"
	quorumMethod       = "/" + queryServiceName + "/AccountQuorum"
)

var statusStreamDesc = grpc.StreamDesc{
	StreamName:    "StatusStream",
	ServerStreams: true,
}

// Client is a Gateway backed by a gRPC connection to the ledger.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target ("host:port"). The connection is
// established lazily; unreachable ledgers surface as codes.Unavailable on the
// first call.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// SubmitTransaction implements Gateway.
func (c *Client) SubmitTransaction(ctx context.Context, raw []byte) error {
	return c.conn.Invoke(ctx, submitMethod, &rawTransaction{raw: raw}, &empty{})
}

// SubscribeStatus implements Gateway.
func (c *Client) SubscribeStatus(ctx context.Context, id transaction.ID) (Subscription, error) {
	stream, err := c.conn.NewStream(ctx, &statusStreamDesc, statusStreamMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&statusRequest{txHash: id[:]}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &streamSubscription{stream: stream, id: id}, nil
}

// AccountQuorum implements Gateway.
func (c *Client) AccountQuorum(ctx context.Context, accountID string) (int, error) {
	resp := &quorumResponse{}
	if err := c.conn.Invoke(ctx, quorumMethod, &quorumRequest{accountID: accountID}, resp); err != nil {
		return 0, err
	}
	return int(resp.quorum), nil
}

// Ping reports whether the connection is usable. An idle connection is asked
// to connect and counts as healthy.
func (c *Client) Ping(ctx context.Context) error {
	switch state := c.conn.GetState(); state {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return relayerrors.Wrapf(relayerrors.ErrUnavailable, "ledger connection is %s", state)
	case connectivity.Idle:
		c.conn.Connect()
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

type streamSubscription struct {
	stream grpc.ClientStream
	id     transaction.ID
}

func (s *streamSubscription) Recv() (Event, error) {
	resp := &statusResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		return Event{}, err
	}
	return toEvent(s.id, resp), nil
}

func toEvent(id transaction.ID, resp *statusResponse) Event {
	if resp.txHash != "" {
		if parsed, err := transaction.ParseID(resp.txHash); err == nil {
			id = parsed
		}
	}

	ev := Event{TxID: id, Kind: resp.status.Kind(), Detail: resp.status.String()}
	if ev.Kind == Rejected {
		ev.Cause = &RejectionError{
			TxID:           id,
			Status:         resp.status.String(),
			ErrorCode:      resp.errorCode,
			FailedCommand:  resp.errOrCmdName,
			FailedCmdIndex: resp.failedCmdIndex,
			Message:        resp.message,
		}
	}
	return ev
}

var _ Gateway = (*Client)(nil)
