package devnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/rpcnode"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/simnode"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// DevNode serves an in-memory ledger over websocket JSON-RPC for local
// development.
func DevNode() *cli.Command {
	cfg := struct {
		addr      string
		network   string
		blockTime time.Duration
		fund      cli.StringSlice
		amount    uint64
		outputs   int
	}{}
	return &cli.Command{
		Name:  "devnode",
		Usage: "Run an in-memory development node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "Listen address",
				Value:       "127.0.0.1:17110",
				Destination: &cfg.addr,
			},
			&cli.StringFlag{
				Name:        "network",
				Usage:       "Network name",
				Value:       "kdapp-dev",
				Destination: &cfg.network,
			},
			&cli.DurationFlag{
				Name:        "block-time",
				Usage:       "Interval between mined chain blocks",
				Value:       time.Second,
				Destination: &cfg.blockTime,
			},
			&cli.StringSliceFlag{
				Name:        "fund",
				Usage:       "Address to fund at genesis",
				Destination: &cfg.fund,
			},
			&cli.Uint64Flag{
				Name:        "amount",
				Usage:       "Value of every funding output",
				Value:       100_000_000,
				Destination: &cfg.amount,
			},
			&cli.IntFlag{
				Name:        "outputs",
				Usage:       "Funding outputs per address",
				Value:       16,
				Destination: &cfg.outputs,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			node := simnode.New(cfg.network)
			for _, s := range cfg.fund.Value() {
				addr, err := txn.ParseAddress(s)
				if err != nil {
					return err
				}
				amounts := make([]uint64, cfg.outputs)
				for i := range amounts {
					amounts[i] = cfg.amount
				}
				node.Fund(addr, amounts...)
				log.Info("funded address", "address", addr, "outputs", cfg.outputs, "amount", cfg.amount)
			}

			srv, err := rpcnode.NewServer(node)
			if err != nil {
				return err
			}
			defer srv.Stop()

			ln, err := net.Listen("tcp", cfg.addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.addr, err)
			}
			httpSrv := &http.Server{
				Handler:           srv.WebsocketHandler([]string{"*"}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			log.Info("development node running", "url", "ws://"+ln.Addr().String(), "network", cfg.network)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(sctx)
			})
			g.Go(func() error {
				ticker := time.NewTicker(cfg.blockTime)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						pending := len(node.Mempool())
						sink := node.Mine()
						if pending > 0 {
							log.Info("mined chain block", "hash", sink, "txs", pending)
						} else {
							log.Debug("mined chain block", "hash", sink)
						}
					}
				}
			})
			return g.Wait()
		},
	}
}
