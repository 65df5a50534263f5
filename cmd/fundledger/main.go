package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"

	"fundledger/internal/interfaces/cli"
)

const defaultConfig = "configs/config.toml"

func main() {
	configPath := flag.String("config", defaultConfig, "path to config.toml or config.yaml")

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	open := func() (*cli.Runtime, error) {
		explicit := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == "config" {
				explicit = true
			}
		})
		return cli.Open(*configPath, explicit, os.Stdout)
	}
	for _, c := range cli.Commands(open) {
		commander.Register(c, "ledger")
	}

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}
