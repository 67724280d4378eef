package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/settings"
	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

func Chain() *cli.Command {
	return &cli.Command{
		Name:  "chain",
		Usage: "Inspect the node's selected chain",
		Subcommands: []*cli.Command{
			chainInfo(),
			chainBlocks(),
			blockDetails(),
		},
	}
}

func chainInfo() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the node's network and sink",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			node, info, err := settings.DialNode(ctx, settings.Config(c))
			if err != nil {
				return err
			}
			defer node.Close()

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.AppendBulk([][]string{
				{"Network", info.Network},
				{"Sink", info.Sink.Hex()},
				{"Virtual DAA score", humanize.Comma(int64(info.VirtualDAAScore))},
				{"Pruning point", info.PruningPointHash.Hex()},
			})
			table.Render()
			return nil
		},
	}
}

func chainBlocks() *cli.Command {
	cfg := struct {
		from  string
		limit int
	}{}
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List selected chain blocks added since a block",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "from",
				Usage:       "Start block hash (default: the pruning point)",
				Destination: &cfg.from,
			},
			&cli.IntFlag{
				Name:        "limit",
				Usage:       "Maximum number of blocks to show",
				Value:       20,
				Destination: &cfg.limit,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			conf := settings.Config(c)
			node, info, err := settings.DialNode(ctx, conf)
			if err != nil {
				return err
			}
			defer node.Close()
			_, pattern := conf.Discovery(counter.Prefix, counter.Pattern)

			from := info.PruningPointHash
			if cfg.from != "" {
				from = common.HexToHash(cfg.from)
			}
			vc, err := node.GetVirtualChainFromBlock(ctx, from)
			if err != nil {
				return fmt.Errorf("failed to get virtual chain: %w", err)
			}

			added := vc.Added
			if cfg.limit > 0 && len(added) > cfg.limit {
				added = added[len(added)-cfg.limit:]
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Hash", "DAA score", "Age", "Accepted", "Counter candidates"})
			table.SetAutoWrapText(false)
			for _, cb := range added {
				b, err := node.GetBlock(ctx, cb.Hash, false)
				if err != nil {
					return fmt.Errorf("failed to get block %s: %w", cb.Hash.Hex(), err)
				}
				candidates := 0
				for _, id := range cb.AcceptedTxIDs {
					if pattern.Matches(id) {
						candidates++
					}
				}
				table.Append([]string{
					cb.Hash.Hex(),
					strconv.FormatUint(b.Header.DAAScore, 10),
					humanize.Time(time.UnixMilli(int64(b.Header.Timestamp))),
					strconv.Itoa(len(cb.AcceptedTxIDs)),
					strconv.Itoa(candidates),
				})
			}
			table.Render()
			if len(vc.Removed) > 0 {
				fmt.Printf("%d blocks from %s are no longer on the selected chain\n", len(vc.Removed), from.Hex())
			}
			return nil
		},
	}
}

func blockDetails() *cli.Command {
	cfg := struct {
		transactions bool
	}{}
	return &cli.Command{
		Name:      "block",
		Usage:     "Print a block as JSON",
		ArgsUsage: "<hash>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "transactions",
				Aliases:     []string{"txs"},
				Usage:       "Include the block's transactions",
				Destination: &cfg.transactions,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected one block hash")
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			node, _, err := settings.DialNode(ctx, settings.Config(c))
			if err != nil {
				return err
			}
			defer node.Close()

			b, err := node.GetBlock(ctx, common.HexToHash(c.Args().First()), cfg.transactions)
			if err != nil {
				return fmt.Errorf("failed to get block: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(b)
		},
	}
}
