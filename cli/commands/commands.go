package commands

import (
	"log/slog"
	"os"

	"github.com/mitchellh/cli"
)

// All maps command names to their factories.
func All() map[string]cli.CommandFactory {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	return map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &ServerCommand{Log: log}, nil
		},
		"gc run": func() (cli.Command, error) {
			return &GCRunCommand{Log: log}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{}, nil
		},
	}
}

func logLevel() slog.Level {
	if os.Getenv("BAY_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
