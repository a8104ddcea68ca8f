package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/guest"
	"github.com/danmuck/viewhost/internal/logging"
)

func main() {
	configPath := flag.String("config", "cmd/viewctl/config.toml", "guest config path")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := loadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "viewctl: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "viewctl: %v\n", err)
		os.Exit(1)
	}
}

// run keeps a headless guest attached to the host and logs the actions it
// mirrors until SIGINT or SIGTERM.
func run(cfg guest.ClientConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := guest.NewClient(cfg)
	if err != nil {
		return err
	}
	logger := logging.Component("viewctl").With().Str("guest", client.ID()).Logger()
	unlisten := client.Listen(bus.Any(), func(a action.Action) error {
		logger.Info().Str("type", string(a.Type)).Str("id", a.ID()).Msg("viewctl.action")
		return nil
	})
	defer unlisten()

	// repeated on every session once the host is reachable
	if err := client.ReportReady(""); err != nil && !errors.Is(err, guest.ErrNotConnected) {
		return err
	}
	return client.Run(ctx)
}
