package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultTimeout bounds calls made without a caller deadline
const DefaultTimeout = 10 * time.Second

// Client talks to the manager gRPC API
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for the manager at addr. Without options the
// connection is plaintext.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial manager: %w", err)
	}
	return &Client{conn: conn}, nil
}

// WithCA returns a dial option verifying the manager against the CA in caFile
func WithCA(caFile string) (grpc.DialOption, error) {
	creds, err := credentials.NewClientTLSFromFile(caFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	return grpc.WithTransportCredentials(creds), nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Report sends the reconciliation part of a heartbeat
func (c *Client) Report(ctx context.Context, hb *codec.HeartbeatReport) error {
	payload, err := codec.EncodeHeartbeat(hb)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return c.conn.Invoke(ctx, api.ReportMethod, wrapperspb.Bytes(payload), new(emptypb.Empty))
}

// Track records the reconcilable operations of a batch just sent to hostID
func (c *Client) Track(ctx context.Context, hostID, seq int64, ops []*codec.Operation) error {
	return c.sendBatch(ctx, api.TrackMethod, &codec.Batch{HostID: hostID, RequestSequence: seq, Operations: ops})
}

// Complete reports the answers of a batch that finished normally.
// answers[i] belongs to ops[i].
func (c *Client) Complete(ctx context.Context, seq int64, ops []*codec.Operation, answers []*codec.Answer) error {
	return c.sendBatch(ctx, api.CompleteMethod, &codec.Batch{RequestSequence: seq, Operations: ops, Answers: answers})
}

func (c *Client) sendBatch(ctx context.Context, method string, b *codec.Batch) error {
	payload, err := codec.EncodeBatch(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return c.conn.Invoke(ctx, method, wrapperspb.Bytes(payload), new(emptypb.Empty))
}

// Join asks the leader to add this manager as a raft voter
func (c *Client) Join(ctx context.Context, nodeID, address string) error {
	req, err := api.JoinRequest(nodeID, address)
	if err != nil {
		return fmt.Errorf("failed to build join request: %w", err)
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return c.conn.Invoke(ctx, api.JoinMethod, req, new(emptypb.Empty))
}

// ListRecords returns the ledger, or only the records in state when it is set
func (c *Client) ListRecords(ctx context.Context, state types.ManagementState) ([]*types.ReconcileRecord, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, api.ListRecordsMethod, wrapperspb.String(string(state)), resp); err != nil {
		return nil, err
	}
	var recs []*types.ReconcileRecord
	if err := json.Unmarshal(resp.GetValue(), &recs); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return recs, nil
}

// RemoveRecord deletes one ledger record on the leader
func (c *Client) RemoveRecord(ctx context.Context, seq int64, signature string) error {
	req, err := api.RemoveRecordRequest(seq, signature)
	if err != nil {
		return fmt.Errorf("failed to build remove request: %w", err)
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return c.conn.Invoke(ctx, api.RemoveRecordMethod, req, new(emptypb.Empty))
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
