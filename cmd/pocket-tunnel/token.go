package main

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/1ureka/pocket-tunnel/internal/store"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "manage association tokens in the relay's store",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "store", Usage: "SQLite token store path (default: relay.store from config)"},
	},
	Subcommands: []*cli.Command{
		{
			Name:  "issue",
			Usage: "issue a token for one slot of a pool",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pool", Required: true, Usage: "pool name"},
				&cli.IntFlag{Name: "slot", Required: true, Usage: "slot index, 0~255"},
				&cli.DurationFlag{Name: "ttl", Usage: "token lifetime (0 never expires)"},
			},
			Action: issueToken,
		},
		{
			Name:      "revoke",
			Usage:     "revoke a token",
			ArgsUsage: "TOKEN",
			Action:    revokeToken,
		},
		{
			Name:   "purge",
			Usage:  "delete expired tokens",
			Action: purgeTokens,
		},
	},
}

// tokenStore opens the on-disk store; an in-memory one would vanish on exit.
func tokenStore(c *cli.Context) (*store.Store, error) {
	path := cfg.Relay.Store
	if c.IsSet("store") {
		path = c.String("store")
	}
	if path == "" {
		return nil, fmt.Errorf("no token store configured; pass --store or set relay.store")
	}
	return store.Open(path)
}

func issueToken(c *cli.Context) error {
	slot := c.Int("slot")
	if slot < 0 || slot > 255 {
		return fmt.Errorf("slot must be 0~255, got %d", slot)
	}

	st, err := tokenStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	ttl := c.Duration("ttl")
	token, err := st.Issue(c.Context, c.String("pool"), uint8(slot), ttl)
	if err != nil {
		return err
	}

	pterm.DefaultTable.WithHasHeader().WithData([][]string{
		{"Pool", "Slot", "Expires", "Token"},
		{c.String("pool"), strconv.Itoa(slot), formatTTL(ttl), token},
	}).Render()
	return nil
}

func revokeToken(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one TOKEN argument")
	}

	st, err := tokenStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Revoke(c.Context, c.Args().First()); err != nil {
		return err
	}
	util.LogSuccess("token revoked")
	return nil
}

func purgeTokens(c *cli.Context) error {
	st, err := tokenStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.Purge(c.Context)
	if err != nil {
		return err
	}
	util.LogSuccess("purged %d expired tokens", n)
	return nil
}
