// Package settings holds the global CLI flags, the loaded configuration and
// the log setup shared by every command.
package settings

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/config"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/rpcnode"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
)

const metadataKey = "kdapp.config"

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path of the TOML config file (default: search the XDG config directories)",
			EnvVars: []string{"KDAPP_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "node-url",
			Usage:   "The URL of the node to connect to",
			EnvVars: []string{"NODE_URL"},
		},
		&cli.IntFlag{
			Name:  "verbosity",
			Usage: "Log level from 0 (critical) to 5 (trace)",
		},
		&cli.BoolFlag{
			Name:  "log.json",
			Usage: "Write logs as JSON",
		},
	}
}

// Before loads the config, applies flag overrides and sets up logging.
func Before(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("node-url") {
		cfg.Node.URL = c.String("node-url")
	}
	if c.IsSet("verbosity") {
		cfg.Log.Verbosity = c.Int("verbosity")
	}
	if c.IsSet("log.json") {
		cfg.Log.JSON = c.Bool("log.json")
	}
	SetupLogging(os.Stderr, cfg.Log)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[metadataKey] = cfg
	return nil
}

// Config returns the configuration loaded by Before.
func Config(c *cli.Context) config.Config {
	if cfg, ok := c.App.Metadata[metadataKey].(config.Config); ok {
		return cfg
	}
	return config.Default()
}

// SetupLogging installs the default logger. Terminal output is colored when
// f is a terminal.
func SetupLogging(f *os.File, cfg config.Log) {
	level := log.FromLegacyLevel(cfg.Verbosity)

	var handler slog.Handler
	if cfg.JSON {
		handler = log.JSONHandlerWithLevel(f, level)
	} else {
		useColor := (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) && os.Getenv("TERM") != "dumb"
		var out io.Writer = f
		if useColor {
			out = colorable.NewColorable(f)
		}
		handler = log.NewTerminalHandlerWithLevel(out, level, useColor)
	}
	log.SetDefault(log.NewLogger(handler))
}

// DialNode connects to the configured node and checks its network.
func DialNode(ctx context.Context, cfg config.Config) (*rpcnode.Client, *ledger.DagInfo, error) {
	node, err := rpcnode.Dial(ctx, cfg.Node.URL)
	if err != nil {
		return nil, nil, err
	}
	info, err := node.GetDagInfo(ctx)
	if err != nil {
		node.Close()
		return nil, nil, fmt.Errorf("failed to get dag info: %w", err)
	}
	if cfg.Node.Network != "" && info.Network != cfg.Node.Network {
		node.Close()
		return nil, nil, fmt.Errorf("node is on network %s, expected %s", info.Network, cfg.Node.Network)
	}
	return node, info, nil
}
