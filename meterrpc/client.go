package meterrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/meta"
)

// Client calls meter.v1.Meter. Domain failures come back wrapping the balance
// sentinels or ErrThrottled.
type Client struct {
	conn   *grpc.ClientConn
	owned  bool
	caller string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCaller sets the caller id sent with every call.
func WithCaller(caller string) ClientOption {
	return func(c *Client) {
		c.caller = caller
	}
}

// Dial connects to target over plaintext. Extra dial options are appended,
// for example a resolver for discovery targets.
func Dial(target string, dialOpts []grpc.DialOption, opts ...ClientOption) (*Client, error) {
	all := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, dialOpts...)

	conn, err := grpc.NewClient(target, all...)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, opts...)
	c.owned = true
	return c, nil
}

// NewClient wraps an existing connection, which the caller keeps ownership of.
func NewClient(conn *grpc.ClientConn, opts ...ClientOption) *Client {
	c := &Client{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the connection if Dial created it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	md := meta.FromContext(ctx)
	pairs := make([]string, 0, 4)
	if md.RequestID != "" {
		pairs = append(pairs, meta.RequestIDKey, md.RequestID)
	}
	caller := md.Caller
	if caller == "" {
		caller = c.caller
	}
	if caller != "" {
		pairs = append(pairs, meta.CallerKey, caller)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	var trailer metadata.MD
	err := c.conn.Invoke(c.outgoing(ctx), method, req, reply,
		grpc.CallContentSubtype(CodecName), grpc.Trailer(&trailer))
	if err != nil {
		return fromStatus(err, trailer)
	}
	return nil
}

// Charge settles one usage event.
func (c *Client) Charge(ctx context.Context, ev balance.UsageEvent) (balance.ChargeResult, error) {
	var reply ChargeReply
	if err := c.invoke(ctx, ChargeMethod, &ChargeRequest{ServiceType: ev.ServiceType, Unit: ev.Unit}, &reply); err != nil {
		return balance.ChargeResult{}, err
	}
	return balance.ChargeResult{
		RemainingBalance: reply.RemainingBalance,
		Charges:          reply.Charges,
		IsAuthorized:     reply.IsAuthorized,
	}, nil
}

// Reset restores the default balance and returns it.
func (c *Client) Reset(ctx context.Context) (int64, error) {
	var reply ResetReply
	if err := c.invoke(ctx, ResetMethod, &ResetRequest{}, &reply); err != nil {
		return 0, err
	}
	return reply.Balance, nil
}

// Balance returns the stored balance.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var reply BalanceReply
	if err := c.invoke(ctx, BalanceMethod, &BalanceRequest{}, &reply); err != nil {
		return 0, err
	}
	return reply.Balance, nil
}
