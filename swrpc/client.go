package swrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the wallet control service of a running slatewired.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for the service at target, a host:port on the
// local machine. No connection is made before the first call.
func NewClient(target string) (*Client, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
		),
	)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke calls method with req and decodes the reply into a new Resp.
func invoke[Resp any](ctx context.Context, c *Client, method string,
	req any) (*Resp, error) {

	resp := new(Resp)
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// Send starts a send and posts its slate.
func (c *Client) Send(ctx context.Context,
	req *SendRequest) (*SendResponse, error) {

	return invoke[SendResponse](ctx, c, "Send", req)
}

// Repost posts the last slate of a pending exchange again.
func (c *Client) Repost(ctx context.Context,
	req *RepostRequest) (*RepostResponse, error) {

	return invoke[RepostResponse](ctx, c, "Repost", req)
}

// Balance returns the wallet balance.
func (c *Client) Balance(ctx context.Context) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c, "Balance", &BalanceRequest{})
}

// ListTxs returns the recorded exchanges.
func (c *Client) ListTxs(ctx context.Context) (*ListTxsResponse, error) {
	return invoke[ListTxsResponse](ctx, c, "ListTxs", &ListTxsRequest{})
}

// ImportOutput records a confirmed output.
func (c *Client) ImportOutput(ctx context.Context,
	req *ImportOutputRequest) (*ImportOutputResponse, error) {

	return invoke[ImportOutputResponse](ctx, c, "ImportOutput", req)
}

// CancelTx abandons a pending exchange.
func (c *Client) CancelTx(ctx context.Context, slateID string) error {
	_, err := invoke[TxResponse](
		ctx, c, "CancelTx", &TxRequest{SlateID: slateID},
	)

	return err
}

// ConfirmTx marks an exchange as confirmed on chain.
func (c *Client) ConfirmTx(ctx context.Context, slateID string) error {
	_, err := invoke[TxResponse](
		ctx, c, "ConfirmTx", &TxRequest{SlateID: slateID},
	)

	return err
}
