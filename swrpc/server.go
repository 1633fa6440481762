package swrpc

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/wallet"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultPostTimeout bounds a post made for a Send or Repost.
const DefaultPostTimeout = 30 * time.Second

// Config configures the control Server.
type Config struct {
	// Owner is the wallet the service controls.
	Owner *wallet.Owner

	// Publishers holds the publisher of every running listener, keyed by
	// the transport it serves. A slate is only posted to an address
	// whose transport has a listener, so the reply comes back to this
	// daemon.
	Publishers map[address.Type]broker.Publisher

	// PostTimeout bounds a single post.
	PostTimeout time.Duration
}

// Server serves the wallet control service. It is the only way to change the
// wallet while slatewired holds it open.
type Server struct {
	cfg Config

	started sync.Once
	stopped sync.Once

	listener   net.Listener
	grpcServer *grpc.Server
	wg         sync.WaitGroup
}

// A compile time check to ensure Server implements the WalletControlServer
// interface.
var _ WalletControlServer = (*Server)(nil)

// NewServer creates a control server for the config.
func NewServer(cfg *Config) *Server {
	c := *cfg
	if c.PostTimeout <= 0 {
		c.PostTimeout = DefaultPostTimeout
	}

	s := &Server{cfg: c}
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(errorLogUnaryServerInterceptor),
	)
	RegisterWalletControlServer(s.grpcServer, s)

	return s
}

// errorLogUnaryServerInterceptor logs every failed call.
func errorLogUnaryServerInterceptor(ctx context.Context, req any,
	info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {

	resp, err := handler(ctx, req)
	if err != nil {
		log.Errorf("[%v]: %v", info.FullMethod, err)
	}

	return resp, err
}

// Start listens on addr and serves the control service until Stop is called.
func (s *Server) Start(addr string) error {
	var startErr error
	s.started.Do(func() {
		s.listener, startErr = net.Listen("tcp", addr)
		if startErr != nil {
			return
		}

		log.Infof("Wallet control service listening on %v",
			s.listener.Addr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			if err := s.grpcServer.Serve(s.listener); err != nil {
				log.Errorf("Wallet control service failed: %v",
					err)
			}
		}()
	})

	return startErr
}

// Addr returns the address the service listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop waits for the running calls and stops the service.
func (s *Server) Stop() {
	s.stopped.Do(func() {
		s.grpcServer.GracefulStop()
		s.wg.Wait()
	})
}

// rpcError converts a wallet error into a gRPC status.
func rpcError(err error) error {
	var insufficient *wallet.InsufficientFundsError
	switch {
	case errors.Is(err, wallet.ErrTxNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.As(err, &insufficient),
		errors.Is(err, wallet.ErrTxNotPending):

		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, wallet.ErrZeroAmount),
		errors.Is(err, wallet.ErrTooFewParticipants):

		return status.Error(codes.InvalidArgument, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func parseSlateID(id string) (uuid.UUID, error) {
	slateID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument,
			"invalid slate id %q: %v", id, err)
	}

	return slateID, nil
}

// publisherFor returns the publisher of the listener serving the transport
// of the address.
func (s *Server) publisherFor(to address.Address) (broker.Publisher, error) {
	pub, ok := s.cfg.Publishers[to.Type()]
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "no %v "+
			"listener running, the reply couldn't reach this "+
			"wallet", to.Type())
	}

	return pub, nil
}

// post sends sl to the address through the listener of its transport.
func (s *Server) post(ctx context.Context, sl *slate.Slate,
	to address.Address) error {

	pub, err := s.publisherFor(to)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PostTimeout)
	defer cancel()

	if err := pub.PostSlate(ctx, sl, to); err != nil {
		return status.Errorf(codes.Unavailable, "unable to post "+
			"slate %v to %v: %v", sl.ID, to, err)
	}

	return nil
}

// Send starts a send and posts the slate. A slate that couldn't be posted is
// cancelled so its inputs are spendable again.
//
// NOTE: This is part of the WalletControlServer interface.
func (s *Server) Send(ctx context.Context,
	req *SendRequest) (*SendResponse, error) {

	to, err := address.Parse(req.Address)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := s.publisherFor(to); err != nil {
		return nil, err
	}
	if req.Participants > 0xffff {
		return nil, status.Errorf(codes.InvalidArgument, "at most %d "+
			"participants", 0xffff)
	}

	sl, err := s.cfg.Owner.InitSendTx(
		ctx, req.Amount, uint16(req.Participants), req.Message,
	)
	if err != nil {
		return nil, rpcError(err)
	}

	if err := s.post(ctx, sl, to); err != nil {
		if cancelErr := s.cfg.Owner.CancelTx(sl.ID); cancelErr != nil {
			log.Errorf("Unable to cancel unsent slate %v: %v",
				sl.ID, cancelErr)
		}

		return nil, err
	}

	if err := s.cfg.Owner.SetCounterparty(sl.ID, to.String()); err != nil {
		return nil, rpcError(err)
	}

	log.Infof("Posted slate %v to %v", sl.ID, to)

	return &SendResponse{
		SlateID: sl.ID.String(),
		Amount:  sl.Amount,
		Fee:     sl.Fee,
		To:      to.String(),
	}, nil
}

// Repost posts the slate this wallet last handed out in a pending exchange
// to the counterparty again. The receiving wallet answers a repeated slate
// with its earlier contribution.
//
// NOTE: This is part of the WalletControlServer interface.
func (s *Server) Repost(ctx context.Context,
	req *RepostRequest) (*RepostResponse, error) {

	id, err := parseSlateID(req.SlateID)
	if err != nil {
		return nil, err
	}

	rec, err := s.cfg.Owner.FetchTx(id)
	if err != nil {
		return nil, rpcError(err)
	}

	switch {
	case rec.Status != wallet.TxPending:
		return nil, status.Errorf(codes.FailedPrecondition, "slate "+
			"%v is %v", id, rec.Status)

	case rec.Slate == nil:
		return nil, status.Errorf(codes.FailedPrecondition, "no "+
			"slate stored for %v", id)

	case rec.Counterparty == "":
		return nil, status.Errorf(codes.FailedPrecondition, "no "+
			"counterparty recorded for %v", id)
	}

	to, err := address.Parse(rec.Counterparty)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition,
			"counterparty %q of %v: %v", rec.Counterparty, id, err)
	}

	if err := s.post(ctx, rec.Slate, to); err != nil {
		return nil, err
	}

	log.Infof("Posted slate %v to %v again", id, to)

	return &RepostResponse{SlateID: id.String(), To: to.String()}, nil
}

// Balance returns the wallet balance.
//
// NOTE: This is part of the WalletControlServer interface.
func (s *Server) Balance(context.Context,
	*BalanceRequest) (*BalanceResponse, error) {

	bal, err := s.cfg.Owner.Balance()
	if err != nil {
		return nil, rpcError(err)
	}

	return &BalanceResponse{
		Spendable:   bal.Spendable,
		Locked:      bal.Locked,
		Unconfirmed: bal.Unconfirmed,
	}, nil
}

// ListTxs returns the recorded exchanges.
//
// NOTE: This is part of the WalletControlServer interface.
func (s *Server) ListTxs(context.Context,
	*ListTxsRequest) (*ListTxsResponse, error) {

	txs, err := s.cfg.Owner.Txs()
	if err != nil {
		return nil, rpcError(err)
	}

	resp := &ListTxsResponse{
		Transactions: make([]*Transaction, 0, len(txs)),
	}
	for _, tx := range txs {
		t := &Transaction{
			SlateID:      tx.SlateID.String(),
			Direction:    tx.Direction.String(),
			Status:       tx.Status.String(),
			Amount:       tx.Amount,
			Fee:          tx.Fee,
			Counterparty: tx.Counterparty,
			Created:      tx.Created.Unix(),
		}
		if tx.TxHash != [32]byte{} {
			t.TxHash = hex.EncodeToString(tx.TxHash[:])
		}
		resp.Transactions = append(resp.Transactions, t)
	}

	return resp, nil
}

// ImportOutput records a confirmed output.
//
// NOTE: This is part of the WalletControlServer interface.
func (s *Server) ImportOutput(_ context.Context,
	req *ImportOutputRequest) (*ImportOutputResponse, error) {

	out, err := s.cfg.Owner.ImportOutput(req.Amount)
	if err != nil {
		return nil, rpcError(err)
	}

	return &ImportOutputResponse{
		Commit: out.Commit.String(),
		Value:  out.Value,
	}, nil
}

// CancelTx abandons a pending exchange.
//
// NOTE: This is part of the WalletControlServer interface.
func (s *Server) CancelTx(_ context.Context,
	req *TxRequest) (*TxResponse, error) {

	return s.updateTx(req, "cancelled", s.cfg.Owner.CancelTx)
}

// ConfirmTx marks an exchange as confirmed on chain.
//
// NOTE: This is part of the WalletControlServer interface.
func (s *Server) ConfirmTx(_ context.Context,
	req *TxRequest) (*TxResponse, error) {

	return s.updateTx(req, "confirmed", s.cfg.Owner.ConfirmTx)
}

func (s *Server) updateTx(req *TxRequest, what string,
	update func(uuid.UUID) error) (*TxResponse, error) {

	id, err := parseSlateID(req.SlateID)
	if err != nil {
		return nil, err
	}

	if err := update(id); err != nil {
		return nil, rpcError(err)
	}

	log.Infof("Slate %v %v by the operator", id, what)

	return &TxResponse{}, nil
}
