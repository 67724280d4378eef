package configcmd

import (
	"fmt"
	"os"

	"github.com/adrg/xdg"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/settings"
	"github.com/kasdapp/kdapp-go/kdapp/config"
	"github.com/urfave/cli/v2"
)

func Config() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the default configuration to the XDG config directory",
				Action: func(c *cli.Context) error {
					path, err := xdg.ConfigFile(config.FilePath)
					if err != nil {
						return fmt.Errorf("failed to get config file path: %w", err)
					}
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("a config file already exists at %s", path)
					}
					if err := config.Default().WriteFile(path); err != nil {
						return err
					}
					fmt.Println("Config written to", path)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Action: func(c *cli.Context) error {
					return settings.Config(c).Write(os.Stdout)
				},
			},
		},
	}
}
