package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lixiao1981/evm-track/internal/tracker"
)

func runHistory(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: evm-track history events|blocks [flags]")
	}
	mode := args[0]
	if mode != "events" && mode != "blocks" {
		return fmt.Errorf("unknown history mode %q, want events or blocks", mode)
	}

	fs := flag.NewFlagSet("history "+mode, flag.ExitOnError)
	var (
		cfgPath  = fs.String("config", envOrDefault("EVMTRACK_CONFIG", ""), "Path to the configuration file (YAML or JSON)")
		eventsDB = fs.String("events-db", "", "Event signature database (overrides config)")
		funcsDB  = fs.String("funcs-db", "", "Function signature database (overrides config)")
		from     = fs.Uint64("from", 0, "First block of the range (inclusive)")
		to       = fs.Uint64("to", 0, "Last block of the range (inclusive, 0 = current head)")
		logLevel = fs.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	logger := newLogger(*logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	p, err := buildPipeline(ctx, *cfgPath, *eventsDB, *funcsDB, logger)
	if err != nil {
		return err
	}
	defer p.teardown()

	scanner := tracker.NewScanner(p.trackerConfig(), p.client, p.events, p.funcs, p.set, logger)
	switch mode {
	case "events":
		err = scanner.ScanEvents(ctx, *from, *to)
	case "blocks":
		err = scanner.ScanBlocks(ctx, *from, *to)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("scan complete", "mode", mode)
	return nil
}
