package listen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/settings"
	"github.com/kasdapp/kdapp-go/kdapp/config"
	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/kasdapp/kdapp-go/kdapp/engine"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/rpcnode"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/proxy"
	"github.com/kasdapp/kdapp-go/kdapp/sqlstore"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

type (
	counterEpisode = episode.Episode[counter.Command, counter.Rollback]
	handlers       = episode.Handlers[counter.Command, counter.Rollback]
)

// reporter logs every episode event.
type reporter struct{}

func (reporter) OnInitialize(id episode.ID, ep counterEpisode, md *episode.PayloadMetadata) {
	log.Info("counter created", "episode", id, "state", ep, "block", md.AcceptingHash)
}

func (reporter) OnCommand(id episode.ID, ep counterEpisode, cmd *counter.Command, auth *pki.PubKey, md *episode.PayloadMetadata) {
	log.Info("counter updated", "episode", id, "op", cmd.Op, "amount", cmd.Amount, "state", ep, "txid", md.TxID)
}

func (reporter) OnRollback(id episode.ID, ep counterEpisode) {
	if ep == nil {
		log.Warn("counter creation reverted", "episode", id)
		return
	}
	log.Warn("counter update reverted", "episode", id, "state", ep)
}

func (reporter) OnReject(id episode.ID, err error, md *episode.PayloadMetadata) {
	log.Info("counter command rejected", "episode", id, "err", err, "txid", md.TxID)
}

func Listen() *cli.Command {
	cfg := struct {
		from   string
		buffer int
	}{}
	return &cli.Command{
		Name:  "listen",
		Usage: "Follow the chain and apply counter episodes",
		Description: "Counter state lives in memory, so every run rebuilds the SQLite projection " +
			"by replaying the chain from the node's pruning point, or from --from.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "from",
				Usage:       "Chain block hash to replay from instead of the pruning point",
				Destination: &cfg.from,
			},
			&cli.IntFlag{
				Name:        "buffer",
				Usage:       "Messages buffered between the listener and the engine",
				Value:       256,
				Destination: &cfg.buffer,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			conf := settings.Config(c)
			dbFile, err := conf.DatabaseFile()
			if err != nil {
				return err
			}
			store, err := sqlstore.NewStore(dbFile)
			if err != nil {
				return err
			}
			defer store.Close()

			var from common.Hash
			if cfg.from != "" {
				from = common.HexToHash(cfg.from)
			}
			log.Info("listening", "node", conf.Node.URL, "database", dbFile)
			return run(ctx, rpcnode.Dialer(conf.Node.URL), store, conf, from, cfg.buffer, reporter{})
		},
	}
}

// run resets the projection in store and rebuilds it by replaying the chain
// from `from`, or from the node's pruning point when it is zero. It then
// follows the chain until ctx ends.
func run(
	ctx context.Context,
	dial ledger.Dialer,
	store *sqlstore.SQLStore,
	conf config.Config,
	from common.Hash,
	buffer int,
	extra episode.EventHandler[counter.Command, counter.Rollback],
) error {
	network, err := nodeNetwork(ctx, dial, conf)
	if err != nil {
		return err
	}
	if err := store.Reset(ctx, network); err != nil {
		return fmt.Errorf("failed to reset the projection: %w", err)
	}

	hs := handlers{sqlstore.NewRecorder[counter.Command, counter.Rollback](ctx, store)}
	if extra != nil {
		hs = append(hs, extra)
	}
	eng := engine.New[counter.Command, counter.Rollback](counter.New, hs, conf.EngineConfig())

	ch := make(chan engine.Msg, buffer)
	pcfg := conf.ProxyConfig()
	pcfg.Checkpointer = store
	pcfg.Start = from
	prefix, pattern := conf.Discovery(counter.Prefix, counter.Pattern)
	listener, err := proxy.New(dial, []proxy.Binding{{Prefix: prefix, Pattern: pattern, Sink: ch}}, pcfg)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(gctx)
	})
	g.Go(func() error {
		return eng.Run(gctx, ch)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func nodeNetwork(ctx context.Context, dial ledger.Dialer, conf config.Config) (string, error) {
	node, err := dial(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to dial node: %w", err)
	}
	if c, ok := node.(ledger.Closer); ok {
		defer c.Close()
	}
	info, err := node.GetDagInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get dag info: %w", err)
	}
	if conf.Node.Network != "" && info.Network != conf.Node.Network {
		return "", fmt.Errorf("node is on network %s, expected %s", info.Network, conf.Node.Network)
	}
	return info.Network, nil
}
