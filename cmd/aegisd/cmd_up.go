package main

// ---------------------------------------------------------------------------
// cmd_up.go — start the aegisd engine
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aegisd-project/aegisd/internal/api"
	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/detect/bruteforce"
	"github.com/aegisd-project/aegisd/internal/detect/coordinated"
	"github.com/aegisd-project/aegisd/internal/detect/credstuffing"
	"github.com/aegisd-project/aegisd/internal/detect/session"
)

func registerDetectors(engine *core.Engine) {
	cfg := engine.Config
	detectors := []core.Detector{
		bruteforce.New(engine.Logger, cfg.GetDetectorSettings(bruteforce.DetectorName)),
		credstuffing.New(engine.Logger, cfg.GetDetectorSettings(credstuffing.DetectorName)),
		session.New(engine.Logger, cfg.GetDetectorSettings(session.DetectorName)),
		coordinated.New(engine.Logger, cfg.GetDetectorSettings(coordinated.DetectorName)),
	}
	for _, d := range detectors {
		if err := engine.RegisterDetector(d); err != nil {
			engine.Logger.Warn().Err(err).Str("detector", d.Name()).Msg("failed to register detector")
		}
	}
}

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	detectorList := fs.String("detectors", "", "Comma-separated list of detectors to enable (disables all others)")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config and detectors, then exit")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	if !cfg.AuthEnabled() && !*quiet {
		warnf("no API keys configured — the API runs in open mode (set api_keys or AEGISD_API_KEY)")
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *detectorList != "" {
		selected := make(map[string]bool)
		for _, name := range strings.Split(*detectorList, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				selected[name] = true
			}
		}
		for key, det := range cfg.Detectors {
			det.Enabled = selected[key]
			cfg.Detectors[key] = det
		}
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		errorf("creating engine: %v", err)
	}

	registerDetectors(engine)

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid. %d detector(s) enabled.\n",
			green("✓"), engine.Registry.Count())
		os.Exit(0)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting aegisd engine...\n", dim("▸"))
	}

	srv := api.NewServer(engine)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}

	if err := engine.Start(); err != nil {
		errorf("starting engine: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s aegisd running — %d detectors active, API on :%d\n",
			green("✓"), engine.Registry.Count(), cfg.Server.Port)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
	}

	srv.Stop()
	engine.Shutdown()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s aegisd stopped.\n", green("✓"))
	}
}
