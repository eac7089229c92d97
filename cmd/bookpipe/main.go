// Command bookpipe watches a mailbox for scanned book texts and runs the
// generation tasks on every attached document.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nhle/bookpipe/internal/logging"
	"github.com/nhle/bookpipe/internal/model"
	"github.com/nhle/bookpipe/internal/theme"
)

const usage = `Usage: bookpipe [command] [flags]

Commands:
  run      poll the mailbox once, or continuously with --daemon (default)
  setup    store mailbox settings and credentials
  history  list recently processed documents

Flags:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	command := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	flags := pflag.NewFlagSet("bookpipe", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", model.DefaultConfigPath(), "config file")
	flags.BoolP("daemon", "d", false, "poll continuously")
	flags.IntP("interval", "i", 60, "polling interval in seconds")
	flags.StringP("output", "o", "", "output root directory")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("mailbox", "", "mailbox transport (imap, gmail)")
	limit := flags.IntP("limit", "n", 20, "history: number of documents to show")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	// Only flags set on the command line override the config file.
	changed := pflag.NewFlagSet("bookpipe", pflag.ContinueOnError)
	flags.Visit(func(f *pflag.Flag) { changed.AddFlag(f) })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "setup":
		return exitCode(runSetup(ctx, *configPath))
	case "run", "history":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flags.Usage()
		return 2
	}

	cfg, err := model.LoadConfig(*configPath, changed)
	if err != nil {
		return exitCode(err)
	}

	if command == "history" {
		return exitCode(runHistory(ctx, cfg, *limit, os.Stdout))
	}

	log, err := logging.New(logConfig(cfg.Log))
	if err != nil {
		return exitCode(err)
	}
	defer log.Sync()

	err = runPipeline(ctx, cfg, log)
	if isInterrupt(err) {
		log.Infow("interrupted, stopping")
		return 0
	}
	if err != nil {
		log.WithError(err).Errorw("bookpipe failed")
		return 1
	}
	return 0
}

// isInterrupt reports whether err only says the operator asked to stop.
func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}

// exitCode prints err for the interactive commands and maps it to a
// process status.
func exitCode(err error) int {
	if err == nil || isInterrupt(err) {
		return 0
	}
	fmt.Fprintln(os.Stderr, theme.ErrorStyle.Render("Error:"), err)
	return 1
}

// logConfig fills unset log settings from logging.DefaultConfig.
func logConfig(cfg model.LogConfig) logging.Config {
	lc := logging.DefaultConfig()
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Encoding != "" {
		lc.Encoding = cfg.Encoding
	}
	lc.File = cfg.File
	return lc
}
