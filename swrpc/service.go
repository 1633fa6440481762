package swrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC name of the wallet control service.
const ServiceName = "swrpc.WalletControl"

// SendRequest starts a send and posts its slate.
type SendRequest struct {
	// Address is the receiver the slate is posted to.
	Address string `json:"address"`

	// Amount is paid to every receiver, in nanogrin.
	Amount uint64 `json:"amount"`

	// Participants is the number of parties including this wallet.
	Participants uint32 `json:"participants"`

	// Message is signed by this wallet and carried in the slate.
	Message string `json:"message,omitempty"`
}

// SendResponse describes the slate that was posted.
type SendResponse struct {
	SlateID string `json:"slate_id"`
	Amount  uint64 `json:"amount"`
	Fee     uint64 `json:"fee"`
	To      string `json:"to"`
}

// RepostRequest posts the last slate of a pending exchange again.
type RepostRequest struct {
	SlateID string `json:"slate_id"`
}

// RepostResponse names the address the slate was posted to.
type RepostResponse struct {
	SlateID string `json:"slate_id"`
	To      string `json:"to"`
}

// BalanceRequest asks for the wallet balance.
type BalanceRequest struct{}

// BalanceResponse is the wallet balance in nanogrin.
type BalanceResponse struct {
	Spendable   uint64 `json:"spendable"`
	Locked      uint64 `json:"locked"`
	Unconfirmed uint64 `json:"unconfirmed"`
}

// ListTxsRequest asks for the recorded exchanges.
type ListTxsRequest struct{}

// Transaction is a recorded exchange.
type Transaction struct {
	SlateID      string `json:"slate_id"`
	Direction    string `json:"direction"`
	Status       string `json:"status"`
	Amount       uint64 `json:"amount"`
	Fee          uint64 `json:"fee"`
	Counterparty string `json:"counterparty,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`

	// Created is a unix timestamp in seconds.
	Created int64 `json:"created"`
}

// ListTxsResponse holds the recorded exchanges, oldest first.
type ListTxsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

// ImportOutputRequest records a confirmed output of the given value.
type ImportOutputRequest struct {
	Amount uint64 `json:"amount"`
}

// ImportOutputResponse describes the imported output.
type ImportOutputResponse struct {
	Commit string `json:"commit"`
	Value  uint64 `json:"value"`
}

// TxRequest names the exchange a status change applies to.
type TxRequest struct {
	SlateID string `json:"slate_id"`
}

// TxResponse is returned once a status change is recorded.
type TxResponse struct{}

// WalletControlServer is the wallet control service served by slatewired.
type WalletControlServer interface {
	// Send starts a send and posts the slate through the running
	// listener of the receiver's transport.
	Send(context.Context, *SendRequest) (*SendResponse, error)

	// Repost posts the last slate of a pending exchange to its
	// counterparty again.
	Repost(context.Context, *RepostRequest) (*RepostResponse, error)

	// Balance returns the wallet balance.
	Balance(context.Context, *BalanceRequest) (*BalanceResponse, error)

	// ListTxs returns the recorded exchanges.
	ListTxs(context.Context, *ListTxsRequest) (*ListTxsResponse, error)

	// ImportOutput records a confirmed output.
	ImportOutput(context.Context, *ImportOutputRequest) (
		*ImportOutputResponse, error)

	// CancelTx abandons a pending exchange.
	CancelTx(context.Context, *TxRequest) (*TxResponse, error)

	// ConfirmTx marks an exchange as confirmed on chain.
	ConfirmTx(context.Context, *TxRequest) (*TxResponse, error)
}

// fullMethod returns the gRPC method name of a service method.
func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryMethod describes a unary method that decodes a Req and calls call.
func unaryMethod[Req, Resp any](method string,
	call func(WalletControlServer, context.Context, *Req) (*Resp,
		error)) grpc.MethodDesc {

	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context,
			dec func(any) error,
			interceptor grpc.UnaryServerInterceptor) (any, error) {

			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			server := srv.(WalletControlServer)
			if interceptor == nil {
				resp, err := call(server, ctx, in)
				return resp, err
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any,
				error) {

				resp, err := call(server, ctx, req.(*Req))
				return resp, err
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

// walletControlDesc is the service description registered with the gRPC
// server.
var walletControlDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WalletControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Send", WalletControlServer.Send),
		unaryMethod("Repost", WalletControlServer.Repost),
		unaryMethod("Balance", WalletControlServer.Balance),
		unaryMethod("ListTxs", WalletControlServer.ListTxs),
		unaryMethod("ImportOutput", WalletControlServer.ImportOutput),
		unaryMethod("CancelTx", WalletControlServer.CancelTx),
		unaryMethod("ConfirmTx", WalletControlServer.ConfirmTx),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "swrpc",
}

// RegisterWalletControlServer registers srv with the gRPC server s.
func RegisterWalletControlServer(s grpc.ServiceRegistrar,
	srv WalletControlServer) {

	s.RegisterService(&walletControlDesc, srv)
}
