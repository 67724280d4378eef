// Package rpcnode exposes a ledger.Node over JSON-RPC and dials one back.
// Methods live in the "kdapp" namespace.
package rpcnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
)

const Namespace = "kdapp"

// Service is the server side: register it with rpc.Server.RegisterName using
// Namespace.
type Service struct {
	node ledger.Node
}

func NewService(node ledger.Node) *Service {
	return &Service{node: node}
}

// NewServer returns an rpc.Server with the service registered.
func NewServer(node ledger.Node) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, NewService(node)); err != nil {
		return nil, fmt.Errorf("failed to register %s service: %w", Namespace, err)
	}
	return srv, nil
}

func (s *Service) SubmitTransaction(ctx context.Context, tx *txn.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, errors.New("missing transaction")
	}
	return s.node.SubmitTransaction(ctx, tx)
}

func (s *Service) GetUtxosByAddress(ctx context.Context, addr string) ([]txn.UtxoEntry, error) {
	a, err := txn.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return s.node.GetUtxosByAddress(ctx, a)
}

func (s *Service) GetDagInfo(ctx context.Context) (*ledger.DagInfo, error) {
	return s.node.GetDagInfo(ctx)
}

func (s *Service) GetVirtualChainFromBlock(ctx context.Context, start common.Hash) (*ledger.VirtualChain, error) {
	return s.node.GetVirtualChainFromBlock(ctx, start)
}

func (s *Service) GetBlock(ctx context.Context, hash common.Hash, includeTransactions bool) (*ledger.Block, error) {
	return s.node.GetBlock(ctx, hash, includeTransactions)
}

// SinkChanged streams the new sink hash every time the selected chain moves.
func (s *Service) SinkChanged(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	sn, ok := s.node.(ledger.SinkNotifier)
	if !ok {
		return &rpc.Subscription{}, errors.New("node does not publish sink changes")
	}

	ch := make(chan common.Hash, 16)
	sub, err := sn.SubscribeSinkChanged(context.Background(), ch)
	if err != nil {
		return nil, err
	}
	rpcSub := notifier.CreateSubscription()

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case h := <-ch:
				if err := notifier.Notify(rpcSub.ID, h); err != nil {
					log.Debug("failed to notify sink change", "err", err)
					return
				}
			case <-rpcSub.Err():
				return
			case err := <-sub.Err():
				log.Debug("sink subscription ended", "err", err)
				return
			}
		}
	}()
	return rpcSub, nil
}
