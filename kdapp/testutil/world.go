package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/kasdapp/kdapp-go/kdapp/engine"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/rpcnode"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/simnode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/proxy"
	"github.com/kasdapp/kdapp-go/kdapp/sqlstore"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
	"golang.org/x/sync/errgroup"
)

const Network = "kdapp-sim"

type CounterEngine = engine.Engine[counter.Command, counter.Rollback]

// World is the test world - it holds all the state that is shared between steps
type World struct {
	Node     *simnode.Node
	Server   *rpc.Server
	Client   *rpcnode.Client
	Store    *sqlstore.SQLStore
	Engine   *CounterEngine
	Events   *EventLog
	Listener *proxy.Listener
	Accounts map[string]*Account

	LastPlan   *utxo.Plan
	LastTx     *txn.Transaction
	LastTxID   common.Hash
	LastError  error
	LastFunded txn.UtxoEntry
	Pattern    payload.Pattern
	Reverted   []common.Hash

	logs      *logBuffer
	prevLog   log.Logger
	tempDir   string
	stop      context.CancelFunc
	listeners *errgroup.Group
}

func NewWorld(ctx context.Context) (*World, error) {
	td, err := os.MkdirTemp("", "kdapp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	logs := &logBuffer{}
	prev := log.Root()
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(logs, log.LevelDebug, false)))

	node := simnode.New(Network)
	srv, err := rpcnode.NewServer(node)
	if err != nil {
		log.SetDefault(prev)
		os.RemoveAll(td)
		return nil, err
	}

	store, err := sqlstore.NewStore(filepath.Join(td, "kdapp.db"))
	if err != nil {
		srv.Stop()
		log.SetDefault(prev)
		os.RemoveAll(td)
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	events := &EventLog{}
	eng := engine.New[counter.Command, counter.Rollback](
		counter.New,
		episode.Handlers[counter.Command, counter.Rollback]{
			sqlstore.NewRecorder[counter.Command, counter.Rollback](context.Background(), store),
			events,
		},
		engine.DefaultConfig(),
	)

	return &World{
		Node:     node,
		Server:   srv,
		Client:   rpcnode.NewClient(rpc.DialInProc(srv)),
		Store:    store,
		Engine:   eng,
		Events:   events,
		Accounts: map[string]*Account{},
		logs:     logs,
		prevLog:  prev,
		tempDir:  td,
	}, nil
}

// Dial opens a fresh in-process RPC connection unless the simulated node is
// disconnected.
func (w *World) Dial(ctx context.Context) (ledger.Node, error) {
	if _, err := w.Node.Dial(ctx); err != nil {
		return nil, err
	}
	return rpcnode.NewClient(rpc.DialInProc(w.Server)), nil
}

func listenerConfig() proxy.Config {
	cfg := proxy.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MinPollSpacing = 0
	cfg.ReconnectMin = time.Millisecond
	cfg.ReconnectMax = 10 * time.Millisecond
	cfg.CallTimeout = time.Second
	cfg.FinalityDepth = 2
	return cfg
}

// follow runs a listener feeding eng. Cancelling stops the listener, which
// then sends engine.Exit so eng drains what was already delivered.
func (w *World) follow(cfg proxy.Config, eng *CounterEngine) (*proxy.Listener, context.CancelFunc, *errgroup.Group, error) {
	ch := make(chan engine.Msg, 64)
	l, err := proxy.New(w.Dial, []proxy.Binding{{Prefix: counter.Prefix, Pattern: counter.Pattern, Sink: ch}}, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create listener: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.Go(func() error {
		return l.Run(ctx)
	})
	g.Go(func() error {
		return eng.Run(context.Background(), ch)
	})
	return l, cancel, g, nil
}

// StartListener connects a listener feeding w.Engine, persisting its
// checkpoint in w.Store, and waits until it is following the node.
func (w *World) StartListener(ctx context.Context) error {
	cfg := listenerConfig()
	cfg.Checkpointer = w.Store
	l, cancel, g, err := w.follow(cfg, w.Engine)
	if err != nil {
		return err
	}
	w.Listener, w.stop, w.listeners = l, cancel, g
	return w.WaitFor(ctx, "listener connected", func() bool {
		return l.State() == proxy.Connected
	})
}

// WaitProcessed waits until the listener has delivered everything up to the
// node's current sink.
func (w *World) WaitProcessed(ctx context.Context) error {
	info, err := w.Client.GetDagInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get dag info: %w", err)
	}
	return w.WaitFor(ctx, "listener caught up with "+info.Sink.Hex(), func() bool {
		return w.Listener.Processed() == info.Sink
	})
}

// Replay applies the whole selected chain, from the pruning point, to a fresh
// engine and returns it once it has caught up with the current sink.
func (w *World) Replay(ctx context.Context) (*CounterEngine, error) {
	info, err := w.Client.GetDagInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get dag info: %w", err)
	}
	eng := engine.New[counter.Command, counter.Rollback](counter.New, nil, engine.DefaultConfig())
	cfg := listenerConfig()
	cfg.Start = info.PruningPointHash
	l, cancel, g, err := w.follow(cfg, eng)
	if err != nil {
		return nil, err
	}
	err = w.WaitFor(ctx, "replay caught up", func() bool {
		return l.Processed() == info.Sink
	})
	cancel()
	if werr := g.Wait(); werr != nil {
		err = errors.Join(err, werr)
	}
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// WaitFor polls cond until it holds or ctx ends.
func (w *World) WaitFor(ctx context.Context, what string, cond func() bool) error {
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", what, ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}

// Counter returns a copy of the counter state of id as seen by eng.
func Counter(eng *CounterEngine, id episode.ID) (counter.Counter, bool) {
	var c counter.Counter
	ok := eng.View(id, func(ep episode.Episode[counter.Command, counter.Rollback]) {
		c = *ep.(*counter.Counter)
	})
	return c, ok
}

func (w *World) Shutdown() {
	if w.stop != nil {
		w.stop()
		if err := w.listeners.Wait(); err != nil {
			log.Warn("listener stopped with error", "err", err)
		}
	}
	w.Client.Close()
	w.Server.Stop()
	w.Store.Close()
	log.SetDefault(w.prevLog)
	os.RemoveAll(w.tempDir)
}

func (w *World) AddLogsToTestError(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w\n\nLogs:\n%s", err, w.logs.String())
}

// Logs returns everything logged since the world was created.
func (w *World) Logs() string {
	return w.logs.String()
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
