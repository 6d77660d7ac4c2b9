package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/1ureka/pocket-tunnel/internal/relay"
	"github.com/1ureka/pocket-tunnel/internal/store"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

var relayCommand = &cli.Command{
	Name:  "relay",
	Usage: "run the relay server",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "HTTP listen address for /tunnel and /signal"},
		&cli.StringFlag{Name: "store", Usage: "SQLite token store path (empty for in-memory)"},
		&cli.DurationFlag{Name: "idle-timeout", Usage: "close tunnels silent for longer than this"},
		&cli.StringFlag{Name: "pool", Usage: "pool to issue startup tokens for (with --issue)"},
		&cli.IntFlag{Name: "issue", Usage: "issue tokens for slots 0..N-1 of --pool at startup"},
	},
	Action: runRelay,
}

func runRelay(c *cli.Context) error {
	rc := cfg.Relay
	if c.IsSet("listen") {
		rc.Listen = c.String("listen")
	}
	if c.IsSet("store") {
		rc.Store = c.String("store")
	}
	if c.IsSet("idle-timeout") {
		rc.IdleTimeout = c.Duration("idle-timeout")
	}
	if err := rc.Validate(); err != nil {
		return err
	}

	banner("relay")

	st, err := openStore(rc.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	if n, err := st.Purge(c.Context); err != nil {
		util.LogWarning("failed to purge expired tokens: %v", err)
	} else if n > 0 {
		util.LogInfo("purged %d expired tokens", n)
	}

	if n := c.Int("issue"); n > 0 {
		if err := issueStartupTokens(c, st, c.String("pool"), n); err != nil {
			return err
		}
	} else if rc.Store == "" {
		util.LogWarning("in-memory token store is empty; use --pool and --issue to create tokens")
	}

	util.StartStatsReporter(c.Context, rc.StatsEvery)

	return relay.New(rc, st).ListenAndServe(c.Context)
}

// issueStartupTokens issues one non-expiring token per slot and prints them.
func issueStartupTokens(c *cli.Context, st *store.Store, pool string, n int) error {
	if pool == "" {
		return fmt.Errorf("--issue requires --pool")
	}
	if n > 256 {
		return fmt.Errorf("--issue must be 1~256, got %d", n)
	}

	rows := [][]string{{"Pool", "Slot", "Token"}}
	for slot := 0; slot < n; slot++ {
		token, err := st.Issue(c.Context, pool, uint8(slot), 0)
		if err != nil {
			return fmt.Errorf("failed to issue token for slot %d: %w", slot, err)
		}
		rows = append(rows, []string{pool, strconv.Itoa(slot), token})
	}

	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Println()
	return nil
}

// openStore opens the token store at path, or an in-memory one for "".
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return store.OpenMemory()
	}
	return store.Open(path)
}

// formatTTL renders a token lifetime for display.
func formatTTL(ttl time.Duration) string {
	if ttl <= 0 {
		return "never"
	}
	return ttl.String()
}
