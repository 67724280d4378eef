package balance

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/settings"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/useraccount"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
	"github.com/urfave/cli/v2"
)

// sompiPerKas is the number of base units in one coin.
const sompiPerKas = 100_000_000

func AccountBalance() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Get the balance of the account",
		Action: func(c *cli.Context) error {
			cfg := settings.Config(c)
			userAccount, err := useraccount.Load()
			if err != nil {
				return fmt.Errorf("failed to load user account: %w", err)
			}

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
			defer cancel()

			node, info, err := settings.DialNode(ctx, cfg)
			if err != nil {
				return err
			}
			defer node.Close()

			addr := userAccount.Address(info.Network)
			sel := utxo.NewSelector(node, addr).WithQueryTimeout(cfg.Submit.CallTimeout)
			if err := sel.Refresh(ctx); err != nil {
				return fmt.Errorf("failed to get utxos: %w", err)
			}

			balance := sel.Balance()
			fmt.Println("Address:", addr.String())
			fmt.Println("Outputs:", humanize.Comma(int64(len(sel.Available()))))
			fmt.Println("Balance:", humanize.CommafWithDigits(float64(balance)/sompiPerKas, 8), "KAS")
			fmt.Println("Balance (sompi):", humanize.Comma(int64(balance)))
			return nil
		},
	}
}
