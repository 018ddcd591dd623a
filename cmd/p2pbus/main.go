// p2pbus: CLI entry point.
//
// Runs one bus router with its TCP and UDP transports and, depending on the
// role, a service attachment that hosts a session, a client attachment that
// joins one, or a NAT discovery run that prints the gathered candidates.
//
// It can be launched interactively (no --role) or entirely from flags and a
// YAML file (--config).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/p2pbus/internal/app"
	"github.com/1ureka/p2pbus/internal/config"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flags := config.NewFlags("p2pbus")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := flags.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("p2pbus v%s", version))
	pterm.Println()

	if !flags.RoleGiven() {
		askRole(cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}

	p, err := app.New(ctx, cfg)
	if err != nil {
		util.LogError("failed to start: %v", err)
		os.Exit(1)
	}
	if err := p.Run(ctx); err != nil {
		util.LogError("%s: %v", cfg.Role, err)
		os.Exit(1)
	}

	util.LogInfo("router stopped")
}

// askRole fills in the role and its session settings interactively.
func askRole(cfg *config.Config) {
	options := make([]string, len(config.Roles))
	for i, r := range config.Roles {
		options[i] = string(r)
	}
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a role").
		Show()
	pterm.Println()
	cfg.Role = config.Role(role)

	switch cfg.Role {
	case config.RoleService:
		cfg.Session.Port = askPort("Session port to bind (0 picks one)", true)
	case config.RoleClient:
		cfg.Session.Host = askHost()
		cfg.Session.Port = askPort("Session port to join (1 ~ 65535)", false)
	}
}

// askPort prompts for a session port until a valid one is entered.
func askPort(prompt string, allowZero bool) uint16 {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
		if err == nil && (port > 0 || allowZero) {
			pterm.Println()
			return uint16(port)
		}

		util.LogWarning("invalid port number")
		pterm.Println()
	}
}

// askHost prompts for the unique or well-known name of a session host.
func askHost() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session host (e.g. :abcdefghijklmnop.2 or org.example.chat)").
			Show()

		host := strings.TrimSpace(raw)
		if protocol.IsUniqueName(host) || strings.Contains(host, ".") {
			pterm.Println()
			return host
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a bus name")
	}
}
