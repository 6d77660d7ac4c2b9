package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/1ureka/pocket-tunnel/internal/adapter"
	"github.com/1ureka/pocket-tunnel/internal/config"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

var connectCommand = &cli.Command{
	Name:  "connect",
	Usage: "connect to a relay and expose the pool's slots as local UDP endpoints",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "relay", Usage: "relay URL, e.g. wss://relay.example.com"},
		&cli.StringFlag{Name: "token", Usage: "association token"},
		&cli.StringFlag{Name: "carrier", Usage: "websocket or webrtc"},
		&cli.IntFlag{Name: "slots", Usage: "number of local endpoints (slots in the pool)"},
		&cli.IntFlag{Name: "base-port", Usage: "slot i listens on base-port+i (0 for ephemeral ports)"},
		&cli.StringFlag{Name: "game", Usage: "game address to deliver to (default: learned from the first datagram)"},
	},
	Action: runConnect,
}

func runConnect(c *cli.Context) error {
	cc := cfg.Client
	if c.IsSet("relay") {
		cc.RelayURL = c.String("relay")
	}
	if c.IsSet("token") {
		cc.Token = c.String("token")
	}
	if c.IsSet("carrier") {
		cc.Carrier = config.Carrier(c.String("carrier"))
	}
	if c.IsSet("slots") {
		cc.Slots = c.Int("slots")
	}
	if c.IsSet("base-port") {
		cc.BasePort = c.Int("base-port")
	}
	if c.IsSet("game") {
		cc.GameAddr = c.String("game")
	}

	banner("client")

	// Missing essentials → interactive prompts.
	if cc.RelayURL == "" {
		cc.RelayURL = askURL()
	} else {
		u, err := normalizeRelayURL(cc.RelayURL)
		if err != nil {
			return err
		}
		cc.RelayURL = u
	}
	if cc.Token == "" {
		cc.Token = askToken()
	}
	if err := cc.Validate(); err != nil {
		return err
	}

	util.LogInfo("connecting to %s over %s", cc.RelayURL, cc.Carrier)
	tr, err := adapter.Dial(c.Context, cc)
	if err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}

	util.StartStatsReporter(c.Context, cc.StatsEvery)

	err = adapter.RunAsClient(c.Context, tr, cc)
	if errors.Is(err, adapter.ErrRelayClosed) {
		util.LogWarning("relay closed the tunnel")
		return nil
	}
	if err != nil {
		return err
	}

	util.LogInfo("successfully closed tunnel connection")
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeRelayURL validates a relay URL and reduces it to scheme and host.
// A scheme other than ws/wss defaults to wss.
func normalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com)").
			Show()

		relayURL, err := normalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askToken prompts the user for a non-empty association token.
func askToken() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Association token").
			WithMask("*").
			Show()

		if token := strings.TrimSpace(raw); token != "" {
			pterm.Println()
			return token
		}

		pterm.Println()
		util.LogWarning("token must not be empty")
	}
}
