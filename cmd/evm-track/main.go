// Package main implements the evm-track command line tool: live tracking of
// events, blocks and pending transactions through the action pipeline, plus
// historical scans and inspection helpers.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "track":
		err = runTrack(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "actions":
		err = runActions(os.Args[2:])
	case "sigdb":
		err = runSigdb(os.Args[2:])
	case "version":
		fmt.Printf("evm-track %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `evm-track - EVM chain tracking and dispatch engine

usage: evm-track <command> [flags]

commands:
  track     stream live events, blocks and/or pending transactions
  history   replay a historical block range (history events|blocks)
  actions   list or describe available actions (actions list|describe <name>)
  sigdb     inspect a signature database (sigdb events|funcs <path>)
  version   print the version
  help      print this help

run "evm-track <command> -h" for command flags.
`)
}

// newLogger builds the process logger; all components derive from it.
func newLogger(logLevel string) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
