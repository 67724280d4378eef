// Package proxy follows the ledger's selected chain and feeds matching
// episode transactions to engines in acceptance order.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/engine"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"golang.org/x/time/rate"
)

var (
	// ErrResyncRequired means neither the last sink nor any remembered or
	// persisted resume point is known to the node.
	ErrResyncRequired = errors.New("resume point unknown to the node, resynchronization required")
	ErrNoBindings     = errors.New("no bindings")

	errIncompleteBlock = errors.New("accepting block is missing transactions")
)

type point struct {
	hash common.Hash
	daa  uint64
}

type Listener struct {
	dial     ledger.Dialer
	bindings []Binding
	cfg      Config
	limiter  *rate.Limiter
	txs      *lru.Cache[common.Hash, *txn.Transaction]

	mu        sync.Mutex
	state     State
	processed common.Hash

	// Owned by the Run goroutine.
	network string
	sink    point
	window  []point
}

// New copies bindings; they cannot change for the listener's lifetime.
func New(dial ledger.Dialer, bindings []Binding, cfg Config) (*Listener, error) {
	if len(bindings) == 0 {
		return nil, ErrNoBindings
	}
	for i, b := range bindings {
		if err := b.Pattern.Validate(); err != nil {
			return nil, fmt.Errorf("binding %d: %w", i, err)
		}
		if b.Sink == nil {
			return nil, fmt.Errorf("binding %d has no sink", i)
		}
	}
	if cfg.ResumeWindow < 2 {
		cfg.ResumeWindow = 2
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 1
	}

	limit := rate.Inf
	if cfg.MinPollSpacing > 0 {
		limit = rate.Every(cfg.MinPollSpacing)
	}
	l := &Listener{
		dial:     dial,
		bindings: slices.Clone(bindings),
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
	}
	if cfg.CacheCapacity > 0 {
		l.txs = lru.NewCache[common.Hash, *txn.Transaction](cfg.CacheCapacity)
	}
	return l, nil
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Processed is the last chain block whose transactions were delivered. It is
// zero before the listener first connects.
func (l *Listener) Processed() common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed
}

func (l *Listener) publish() {
	l.mu.Lock()
	l.processed = l.sink.hash
	l.mu.Unlock()
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		log.Info("listener state changed", "from", prev, "to", s)
	}
}

// Run follows the chain until ctx ends or a resynchronization is required.
// Transport failures move the listener to Disconnected; it then redials with
// exponential backoff and resumes from the last processed chain block. Every
// sink receives engine.Exit when Run returns.
func (l *Listener) Run(ctx context.Context) error {
	defer l.exit()

	backoff := l.cfg.ReconnectMin
	l.setState(Disconnected)
	for {
		if ctx.Err() != nil {
			l.setState(Stopped)
			return nil
		}

		if l.State() == Disconnected && l.sink.hash != (common.Hash{}) {
			l.setState(Reconnecting)
		}
		node, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrResyncRequired) {
				l.setState(Stopped)
				return err
			}
			l.setState(Reconnecting)
			log.Warn("failed to connect to node", "err", err, "retry", backoff)
			if !sleep(ctx, backoff) {
				continue
			}
			backoff = min(backoff*2, l.cfg.ReconnectMax)
			continue
		}

		backoff = l.cfg.ReconnectMin
		l.setState(Connected)
		err = l.follow(ctx, node)
		if c, ok := node.(ledger.Closer); ok {
			c.Close()
		}
		switch {
		case errors.Is(err, ErrResyncRequired):
			l.setState(Stopped)
			log.Error("listener cannot resume", "sink", l.sink.hash, "err", err)
			return err
		case ctx.Err() != nil:
			l.setState(Stopped)
			return nil
		}
		l.setState(Disconnected)
		log.Warn("lost node connection", "sink", l.sink.hash, "err", err)
	}
}

func (l *Listener) exit() {
	for _, b := range l.bindings {
		select {
		case b.Sink <- engine.Exit{}:
		default:
			log.Warn("sink full, dropping exit message", "prefix", b.Prefix)
		}
	}
}

func (l *Listener) connect(ctx context.Context) (ledger.Node, error) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	node, err := l.dial(cctx)
	if err != nil {
		return nil, err
	}
	info, err := node.GetDagInfo(cctx)
	if err != nil {
		if c, ok := node.(ledger.Closer); ok {
			c.Close()
		}
		return nil, fmt.Errorf("failed to get dag info: %w", err)
	}
	if l.network != "" && l.network != info.Network {
		return nil, fmt.Errorf("%w: node is on %s, listener on %s", ErrResyncRequired, info.Network, l.network)
	}
	l.network = info.Network

	if l.sink.hash == (common.Hash{}) {
		if err := l.initStart(cctx, info); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (l *Listener) initStart(ctx context.Context, info *ledger.DagInfo) error {
	switch {
	case l.cfg.Start != (common.Hash{}):
		l.sink = point{hash: l.cfg.Start}
	case l.cfg.Resume && l.cfg.Checkpointer != nil:
		cp, err := l.cfg.Checkpointer.LoadCheckpoint(ctx, info.Network)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil {
			l.sink = point{hash: cp.Sink, daa: cp.SinkDAA}
			if cp.Safe != (common.Hash{}) && cp.Safe != cp.Sink {
				l.window = append(l.window, point{hash: cp.Safe, daa: cp.SafeDAA})
			}
			log.Info("resuming from checkpoint", "sink", cp.Sink, "safe", cp.Safe)
			break
		}
		l.sink = l.fallbackStart(info)
	default:
		l.sink = l.fallbackStart(info)
	}
	l.window = append(l.window, l.sink)
	l.publish()
	log.Info("listener starting", "network", info.Network, "sink", l.sink.hash)
	return nil
}

func (l *Listener) fallbackStart(info *ledger.DagInfo) point {
	if l.cfg.FromPruningPoint {
		log.Info("replaying from the pruning point", "pruningPoint", info.PruningPointHash)
		return point{hash: info.PruningPointHash}
	}
	return point{hash: info.Sink, daa: info.VirtualDAAScore}
}

// follow polls node until an error occurs. Sink notifications, when the node
// offers them, trigger polls early.
func (l *Listener) follow(ctx context.Context, node ledger.Node) error {
	var (
		notify  <-chan common.Hash
		subErrs <-chan error
	)
	if sn, ok := node.(ledger.SinkNotifier); ok {
		ch := make(chan common.Hash, 16)
		sub, err := sn.SubscribeSinkChanged(ctx, ch)
		if err != nil {
			log.Debug("sink notifications unavailable, polling only", "err", err)
		} else {
			defer sub.Unsubscribe()
			notify, subErrs = ch, sub.Err()
		}
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := l.poll(ctx, node); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-notify:
		case err := <-subErrs:
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("sink subscription failed: %w", err)
		}
	}
}

func (l *Listener) poll(ctx context.Context, node ledger.Node) error {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	vc, err := node.GetVirtualChainFromBlock(cctx, l.sink.hash)
	cancel()
	if errors.Is(err, ledger.ErrBlockNotFound) {
		vc, err = l.resync(ctx, node)
	}
	if err != nil {
		return fmt.Errorf("failed to get virtual chain from %s: %w", l.sink.hash.Hex(), err)
	}
	if len(vc.Removed) == 0 && len(vc.Added) == 0 {
		return nil
	}

	for _, h := range vc.Removed {
		if err := l.revert(ctx, h); err != nil {
			return err
		}
	}
	if len(vc.Removed) > 0 && len(l.window) > 0 {
		l.sink = l.window[len(l.window)-1]
	}

	var virtualDAA uint64
	if len(vc.Added) > 0 {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		info, err := node.GetDagInfo(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to get dag info: %w", err)
		}
		virtualDAA = info.VirtualDAAScore
	}

	for _, cb := range vc.Added {
		p, err := l.processBlock(ctx, node, cb, virtualDAA)
		if err != nil {
			l.saveCheckpoint(ctx)
			return err
		}
		l.advance(p)
	}
	l.saveCheckpoint(ctx)
	l.publish()
	return nil
}

func (l *Listener) revert(ctx context.Context, hash common.Hash) error {
	if i := slices.IndexFunc(l.window, func(p point) bool { return p.hash == hash }); i >= 0 {
		l.window = slices.Delete(l.window, i, i+1)
	}
	log.Info("chain block reverted", "hash", hash)
	return l.broadcast(ctx, engine.BlockReverted{AcceptingHash: hash})
}

func (l *Listener) advance(p point) {
	if p.daa == 0 {
		p.daa = l.sink.daa
	}
	l.sink = p
	l.window = append(l.window, p)
	if over := len(l.window) - l.cfg.ResumeWindow; over > 0 {
		l.window = slices.Delete(l.window, 0, over)
	}
}

func (l *Listener) broadcast(ctx context.Context, m engine.Msg) error {
	for _, b := range l.bindings {
		if err := send(ctx, b.Sink, m); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) saveCheckpoint(ctx context.Context) {
	if l.cfg.Checkpointer == nil || len(l.window) == 0 {
		return
	}
	safe := l.window[0]
	cp := Checkpoint{
		Network: l.network,
		Sink:    l.sink.hash,
		SinkDAA: l.sink.daa,
		Safe:    safe.hash,
		SafeDAA: safe.daa,
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	if err := l.cfg.Checkpointer.SaveCheckpoint(cctx, cp); err != nil {
		log.Warn("failed to save checkpoint", "sink", cp.Sink, "err", err)
	}
}

func send(ctx context.Context, ch chan<- engine.Msg, m engine.Msg) error {
	select {
	case ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// matchesAny is the pre-filter run on every accepted transaction id.
func (l *Listener) matchesAny(id common.Hash) bool {
	for _, b := range l.bindings {
		if b.Pattern.Matches(id) {
			return true
		}
	}
	return false
}

func (l *Listener) cached(id common.Hash) (*txn.Transaction, bool) {
	if l.txs == nil {
		return nil, false
	}
	return l.txs.Get(id)
}

func (l *Listener) remember(id common.Hash, tx *txn.Transaction) {
	if l.txs != nil && len(tx.Payload) >= payload.HeaderSize {
		l.txs.Add(id, tx)
	}
}
