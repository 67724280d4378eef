package rpcnode

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
)

// Client is a ledger.Node backed by a JSON-RPC connection.
type Client struct {
	c *rpc.Client
}

var (
	_ ledger.Node         = (*Client)(nil)
	_ ledger.SinkNotifier = (*Client)(nil)
	_ ledger.Closer       = (*Client)(nil)
)

// Dial connects to a ws://, http:// or IPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewClient(c), nil
}

func NewClient(c *rpc.Client) *Client {
	return &Client{c: c}
}

// Dialer returns a ledger.Dialer for url.
func Dialer(url string) ledger.Dialer {
	return func(ctx context.Context) (ledger.Node, error) {
		return Dial(ctx, url)
	}
}

func (c *Client) Close() {
	c.c.Close()
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	err := c.c.CallContext(ctx, result, Namespace+"_"+method, args...)
	if err != nil && strings.Contains(err.Error(), ledger.ErrBlockNotFound.Error()) {
		return fmt.Errorf("%w: %w", ledger.ErrBlockNotFound, err)
	}
	return err
}

func (c *Client) SubmitTransaction(ctx context.Context, tx *txn.Transaction) (common.Hash, error) {
	var id common.Hash
	err := c.call(ctx, &id, "submitTransaction", tx)
	return id, err
}

func (c *Client) GetUtxosByAddress(ctx context.Context, addr txn.Address) ([]txn.UtxoEntry, error) {
	var out []txn.UtxoEntry
	err := c.call(ctx, &out, "getUtxosByAddress", addr.String())
	return out, err
}

func (c *Client) GetDagInfo(ctx context.Context) (*ledger.DagInfo, error) {
	var out ledger.DagInfo
	if err := c.call(ctx, &out, "getDagInfo"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetVirtualChainFromBlock(ctx context.Context, start common.Hash) (*ledger.VirtualChain, error) {
	var out ledger.VirtualChain
	if err := c.call(ctx, &out, "getVirtualChainFromBlock", start); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBlock(ctx context.Context, hash common.Hash, includeTransactions bool) (*ledger.Block, error) {
	var out ledger.Block
	if err := c.call(ctx, &out, "getBlock", hash, includeTransactions); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubscribeSinkChanged(ctx context.Context, ch chan<- common.Hash) (ledger.Subscription, error) {
	sub, err := c.c.Subscribe(ctx, Namespace, ch, "sinkChanged")
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to sink changes: %w", err)
	}
	return sub, nil
}
