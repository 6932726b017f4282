package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"bay.dev/bay/config"
	"bay.dev/bay/server"
)

// ServerCommand runs the control plane until interrupted.
type ServerCommand struct {
	Log *slog.Logger
}

func (c *ServerCommand) Synopsis() string {
	return "Run the bay control plane"
}

func (c *ServerCommand) Help() string {
	return `Usage: bay server [options]

  Starts the control plane: the sandbox managers, the garbage
  collector, and the admin HTTP listener.

Options:

  -config=path      Config file (TOML). Defaults to bay.toml lookup.
  -listen=addr      Admin listen address, overriding the config.
  -data-path=path   State directory, overriding the config.
`
}

func (c *ServerCommand) Run(args []string) int {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file")
	listen := flags.String("listen", "", "admin listen address")
	dataPath := flags.String("data-path", "", "state directory")
	if err := flags.Parse(args); err != nil {
		c.Log.Error("parsing flags", "error", err)
		return 1
	}

	cfg, err := config.Load(*configPath, c.Log)
	if err != nil {
		c.Log.Error("loading config", "error", err)
		return 1
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataPath != "" {
		cfg.Server.DataPath = *dataPath
	}
	if err := cfg.Validate(); err != nil {
		c.Log.Error("invalid config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, c.Log)
	if err != nil {
		c.Log.Error("assembling server", "error", err)
		return 1
	}

	if err := srv.Run(ctx); err != nil {
		c.Log.Error("server exited", "error", err)
		return 1
	}
	return 0
}
