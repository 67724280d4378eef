package counter

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/settings"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/useraccount"
	"github.com/kasdapp/kdapp-go/kdapp/config"
	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/generator"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/rpcnode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/sqlstore"
	"github.com/kasdapp/kdapp-go/kdapp/submit"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

func Counter() *cli.Command {
	return &cli.Command{
		Name:  "counter",
		Usage: "Create and update shared counters",
		Subcommands: []*cli.Command{
			newCounter(),
			update("add", "Add to a counter", counter.Add),
			update("sub", "Subtract from a counter", counter.Sub),
			show(),
		},
	}
}

func episodeFlag(dest *uint) cli.Flag {
	return &cli.UintFlag{
		Name:        "episode",
		Aliases:     []string{"e"},
		Usage:       "Episode id",
		Required:    true,
		Destination: dest,
	}
}

type session struct {
	node *rpcnode.Client
	sub  *submit.Submitter
	user *useraccount.UserAccount
}

func open(ctx context.Context, cfg config.Config) (*session, error) {
	user, err := useraccount.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load user account: %w", err)
	}
	node, info, err := settings.DialNode(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cache := utxo.NewCache(node, cfg.Submit.UtxoCacheTTL)
	sel := utxo.NewSelector(cache, user.Address(info.Network)).WithQueryTimeout(cfg.Submit.CallTimeout)
	if err := sel.Refresh(ctx); err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to get utxos: %w", err)
	}
	prefix, pattern := cfg.Discovery(counter.Prefix, counter.Pattern)
	gen, err := generator.New(user.PrivateKey, pattern, prefix, cfg.GeneratorOptions())
	if err != nil {
		node.Close()
		return nil, err
	}
	return &session{
		node: node,
		sub:  submit.New(node, sel, gen, cfg.SubmitConfig()),
		user: user,
	}, nil
}

func newCounter() *cli.Command {
	cfg := struct {
		episode      uint
		participants cli.StringSlice
		open         bool
	}{}
	return &cli.Command{
		Name:  "new",
		Usage: "Create a counter episode",
		Flags: []cli.Flag{
			episodeFlag(&cfg.episode),
			&cli.StringSliceFlag{
				Name:        "participant",
				Usage:       "Hex public key allowed to update the counter (default: the account's own key)",
				Destination: &cfg.participants,
			},
			&cli.BoolFlag{
				Name:        "open",
				Usage:       "Allow anyone to update the counter",
				Destination: &cfg.open,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			s, err := open(ctx, settings.Config(c))
			if err != nil {
				return err
			}
			defer s.node.Close()

			var participants []pki.PubKey
			for _, h := range cfg.participants.Value() {
				pub, err := pki.ParsePubKeyHex(h)
				if err != nil {
					return fmt.Errorf("invalid participant %s: %w", h, err)
				}
				participants = append(participants, pub)
			}
			if len(participants) == 0 && !cfg.open {
				participants = []pki.PubKey{s.user.PubKey}
			}

			msg := payload.NewEpisodeMessage(episode.ID(cfg.episode), participants)
			id, err := s.sub.SubmitCommand(ctx, msg, nil)
			if err != nil {
				return err
			}
			fmt.Println("Episode:", cfg.episode)
			fmt.Println("Transaction:", id.Hex())
			return nil
		},
	}
}

func update(name, usage string, op func(uint64) *counter.Command) *cli.Command {
	cfg := struct {
		episode  uint
		amount   uint64
		unsigned bool
	}{}
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			episodeFlag(&cfg.episode),
			&cli.Uint64Flag{
				Name:        "amount",
				Aliases:     []string{"n"},
				Usage:       "Amount",
				Value:       1,
				Destination: &cfg.amount,
			},
			&cli.BoolFlag{
				Name:        "unsigned",
				Usage:       "Send the command without a signature",
				Destination: &cfg.unsigned,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			s, err := open(ctx, settings.Config(c))
			if err != nil {
				return err
			}
			defer s.node.Close()

			var msg *payload.Message
			if cfg.unsigned {
				msg, err = payload.NewUnsignedCommand(episode.ID(cfg.episode), op(cfg.amount))
			} else {
				msg, err = payload.NewSignedCommand(episode.ID(cfg.episode), op(cfg.amount), s.user.PrivateKey)
			}
			if err != nil {
				return err
			}
			id, err := s.sub.SubmitCommand(ctx, msg, nil)
			if err != nil {
				return err
			}
			fmt.Println("Transaction:", id.Hex())
			return nil
		},
	}
}

func show() *cli.Command {
	cfg := struct {
		episode uint
	}{}
	return &cli.Command{
		Name:  "show",
		Usage: "Show a counter as recorded by the listener",
		Flags: []cli.Flag{
			episodeFlag(&cfg.episode),
		},
		Action: func(c *cli.Context) error {
			dbFile, err := settings.Config(c).DatabaseFile()
			if err != nil {
				return err
			}
			store, err := sqlstore.NewStore(dbFile)
			if err != nil {
				return err
			}
			defer store.Close()

			ep, err := store.GetEpisode(c.Context, uint32(cfg.episode))
			if err != nil {
				return err
			}
			if ep == nil {
				return fmt.Errorf("episode %d not found", cfg.episode)
			}
			fmt.Println("State:", ep.State)
			fmt.Println("Created in:", ep.CreatedBlock)

			events, err := store.ListEvents(c.Context, uint32(cfg.episode))
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Kind", "DAA score", "Time", "Author", "Detail"})
			table.SetAutoWrapText(false)
			for _, ev := range events {
				author := ev.Author
				if len(author) > 16 {
					author = author[:16] + "…"
				}
				table.Append([]string{
					ev.Kind,
					strconv.FormatInt(ev.AcceptingDaa, 10),
					humanize.Time(time.Unix(ev.AcceptingTime, 0)),
					author,
					ev.Detail,
				})
			}
			table.Render()
			return nil
		},
	}
}
