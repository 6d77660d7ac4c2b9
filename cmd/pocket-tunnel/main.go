// Pocket Tunnel CLI entry point.
//
// A relay lets game instances on different networks see each other as local
// UDP peers. Each client holds an association token for one slot of a pool;
// the relay forwards datagrams between the slots of the same pool.
//
// Subcommands: relay (run the relay), connect (run a client) and token
// (manage association tokens in the relay's store).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/1ureka/pocket-tunnel/internal/config"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

var version = "dev"

// cfg is loaded once in Before and then adjusted by subcommand flags.
var cfg *config.Config

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "pocket-tunnel",
		Usage:   "relay game datagrams between players on different networks",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file (default: ./pocket-tunnel.yaml or ~/.pocket-tunnel/pocket-tunnel.yaml)",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{config.EnvPrefix + "_DEBUG"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "write logs as JSON lines",
			},
		},
		Before: func(c *cli.Context) error {
			loaded, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			cfg = loaded
			if c.Bool("debug") {
				cfg.Debug = true
			}
			if cfg.Debug {
				util.EnableDebug()
			}
			if c.Bool("log-json") {
				util.EnableJSON()
			}
			return nil
		},
		Commands: []*cli.Command{
			relayCommand,
			connectCommand,
			tokenCommand,
		},
	}
}

func banner(role string) {
	pterm.Info.Println(fmt.Sprintf("Pocket Tunnel %s — v%s", role, version))
	pterm.Println()
}
