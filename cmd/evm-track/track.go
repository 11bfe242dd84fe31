package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/chain"
	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/output"
	"github.com/lixiao1981/evm-track/internal/sigdb"
	"github.com/lixiao1981/evm-track/internal/throttle"
	"github.com/lixiao1981/evm-track/internal/tokencache"
	"github.com/lixiao1981/evm-track/internal/tracker"
)

// pipeline bundles the shared machinery behind every run mode: the node
// client with its throttle, the signature stores, the resolved action set
// and the output sinks.
type pipeline struct {
	cfg    config.Config
	logger *slog.Logger
	client *chain.Client
	events sigdb.Store
	funcs  sigdb.Store
	set    *action.Set
	out    *output.Multi
	cache  tokencache.Cache
}

func buildPipeline(ctx context.Context, cfgPath, eventsDB, funcsDB string, logger *slog.Logger) (*pipeline, error) {
	if cfgPath == "" {
		return nil, fmt.Errorf("-config is required")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	th := throttle.New(cfg.Throttle.MaxPerSecond)
	client := chain.NewClient(cfg.RPC, th, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	p := &pipeline{cfg: cfg, logger: logger, client: client}

	if path := firstNonEmpty(eventsDB, cfg.Signatures.EventsPath); path != "" {
		if p.events, err = sigdb.LoadEvents(path); err != nil {
			client.Close()
			return nil, err
		}
	} else {
		p.events = sigdb.Store{}
	}
	if path := firstNonEmpty(funcsDB, cfg.Signatures.FuncsPath); path != "" {
		if p.funcs, err = sigdb.LoadFuncs(path); err != nil {
			client.Close()
			return nil, err
		}
	} else {
		p.funcs = sigdb.Store{}
	}

	// Without configured sinks, detections go to the console.
	outCfgs := cfg.Outputs
	if len(outCfgs) == 0 {
		outCfgs = []config.OutputConfig{{Type: "console", Format: "text"}}
	}
	if p.out, err = output.Build(outCfgs, logger); err != nil {
		client.Close()
		return nil, err
	}

	if cfg.TokenCache.RedisAddr != "" {
		p.cache, err = tokencache.NewRedis(ctx, cfg.TokenCache.RedisAddr)
		if err != nil {
			p.out.Close()
			client.Close()
			return nil, fmt.Errorf("token cache: %w", err)
		}
	} else {
		p.cache = tokencache.NewMemory()
	}

	registry := action.NewRegistry()
	if err := action.RegisterBuiltins(registry); err != nil {
		p.teardown()
		return nil, err
	}
	enabled := cfg.EnabledActions()
	if len(enabled) == 0 {
		p.teardown()
		return nil, fmt.Errorf("no actions enabled in %s", cfgPath)
	}
	ordered, err := registry.Resolve(enabled)
	if err != nil {
		p.teardown()
		return nil, err
	}
	logger.Info("actions resolved", "enabled", enabled, "ordered", ordered)

	env := action.Env{
		Logger:     logger,
		Client:     client,
		Throttle:   th,
		Out:        p.out,
		TokenCache: p.cache,
		Funcs:      p.funcs,
	}
	instances, err := registry.Instantiate(ordered, cfg.Actions, env)
	if err != nil {
		p.teardown()
		return nil, err
	}
	p.set = action.NewSet(instances, logger, nil)
	return p, nil
}

func (p *pipeline) teardown() {
	if p.set != nil {
		p.set.Close()
	}
	if p.cache != nil {
		p.cache.Close()
	}
	if p.out != nil {
		p.out.Close()
	}
	p.client.Close()
}

func (p *pipeline) trackerConfig() tracker.Config {
	return tracker.Config{
		BackoffBase:       p.cfg.Tracker.BackoffBase,
		BackoffMax:        p.cfg.Tracker.BackoffMax,
		MaxRetries:        p.cfg.Tracker.MaxRetries,
		MaxBackfillBlocks: p.cfg.Tracker.MaxBackfillBlocks,
		PollInterval:      p.cfg.Tracker.PollInterval,
		StepBlocks:        p.cfg.Tracker.StepBlocks,
		Addresses:         p.cfg.CollectEnabledAddresses(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func runTrack(args []string) error {
	fs := flag.NewFlagSet("track", flag.ExitOnError)
	var (
		cfgPath     = fs.String("config", envOrDefault("EVMTRACK_CONFIG", ""), "Path to the configuration file (YAML or JSON)")
		eventsDB    = fs.String("events-db", "", "Event signature database (overrides config)")
		funcsDB     = fs.String("funcs-db", "", "Function signature database (overrides config)")
		events      = fs.Bool("events", true, "Stream matching event logs")
		blocks      = fs.Bool("blocks", false, "Stream confirmed blocks and their transactions")
		pending     = fs.Bool("pending", false, "Stream pending transactions from the mempool")
		hashesOnly  = fs.Bool("pending-hashes-only", false, "Subscribe to pending hashes and resolve bodies individually")
		receipts    = fs.Bool("receipts", false, "Fetch the receipt for every streamed transaction")
		logLevel    = fs.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*events && !*blocks && !*pending {
		return fmt.Errorf("nothing to track: enable at least one of -events, -blocks, -pending")
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

	tcfg := p.trackerConfig()
	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	if *events {
		t := tracker.NewEventTracker(tcfg, p.client, p.events, p.set, logger)
		t.OnDrop(func(d tracker.DropEvent) {
			logger.Warn("blocks dropped", "stream", d.Stream, "from", d.From, "to", d.To)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- t.Run(ctx)
		}()
	}
	if *blocks {
		t := tracker.NewBlockTracker(tcfg, p.client, p.funcs, p.set, logger)
		t.FetchReceipts = *receipts
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- t.Run(ctx)
		}()
	}
	if *pending {
		t := tracker.NewPendingTracker(tcfg, p.client, p.funcs, p.set, logger)
		t.HashesOnly = *hashesOnly
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- t.Run(ctx)
		}()
	}

	logger.Info("tracking started",
		"events", *events,
		"blocks", *blocks,
		"pending", *pending,
		"throttle_per_second", p.cfg.Throttle.MaxPerSecond,
	)

	// The first fatal stream error stops the whole run.
	err = <-errCh
	wasCancelled := ctx.Err() != nil
	cancel()
	wg.Wait()

	if err != nil && !wasCancelled {
		return err
	}
	logger.Info("tracking stopped")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
