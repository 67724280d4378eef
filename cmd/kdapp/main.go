package main

import (
	"log"
	"os"

	"github.com/kasdapp/kdapp-go/cmd/kdapp/account"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/chain"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/configcmd"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/counter"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/devnode"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/listen"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/settings"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:     "kdapp",
		Usage:    "Episode applications on a block DAG ledger",
		Flags:    settings.Flags(),
		Before:   settings.Before,
		Metadata: map[string]any{},

		Commands: []*cli.Command{
			account.Account(),
			chain.Chain(),
			counter.Counter(),
			listen.Listen(),
			devnode.DevNode(),
			configcmd.Config(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
