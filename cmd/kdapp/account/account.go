package account

import (
	"github.com/kasdapp/kdapp-go/cmd/kdapp/account/balance"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/account/create"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/account/importkey"
	"github.com/urfave/cli/v2"
)

func Account() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Manage the signing account",
		Subcommands: []*cli.Command{
			create.Create(),
			importkey.ImportAccount(),
			balance.AccountBalance(),
		},
	}
}
