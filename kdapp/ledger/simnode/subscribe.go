package simnode

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
)

type subscription struct {
	ch   chan<- common.Hash
	err  chan error
	once sync.Once
	node *Node
}

func (s *subscription) Err() <-chan error {
	return s.err
}

func (s *subscription) Unsubscribe() {
	s.node.mu.Lock()
	delete(s.node.subs, s)
	s.node.mu.Unlock()
	s.once.Do(func() { close(s.err) })
}

func (s *subscription) fail(err error) {
	s.once.Do(func() {
		s.err <- err
		close(s.err)
	})
}

// SubscribeSinkChanged delivers the new sink after every Mine. Slow readers
// miss notifications rather than block the node.
func (n *Node) SubscribeSinkChanged(ctx context.Context, ch chan<- common.Hash) (ledger.Subscription, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &subscription{ch: ch, err: make(chan error, 1), node: n}
	n.subs[s] = struct{}{}
	return s, nil
}

func (n *Node) notify(sink common.Hash) {
	for s := range n.subs {
		select {
		case s.ch <- sink:
		default:
		}
	}
}
