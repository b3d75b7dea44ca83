package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCLI().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:    "autobackup",
		Usage:   "Periodically back up directories and files listed in a YAML config.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   "config.yaml",
				EnvVars: []string{"AUTOBACKUP_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			onceCommand(),
			checkCommand(),
			initCommand(),
			historyCommand(),
		},
		DefaultCommand: "run",
	}
}
