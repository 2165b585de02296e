package main

// ---------------------------------------------------------------------------
// cmd_config.go — print or initialize configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aegisd-project/aegisd/internal/core"
	"gopkg.in/yaml.v3"
)

func cmdConfig(args []string) {
	action := "show"
	if len(args) > 0 && (args[0] == "show" || args[0] == "init") {
		action = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	force := fs.Bool("force", false, "Overwrite an existing config file on init")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	switch action {
	case "show":
		cfg, err := core.LoadConfig(*configPath)
		if err != nil {
			errorf("loading config: %v", err)
		}
		// Redact secrets before printing
		cfg.Server.APIKeys = nil
		cfg.Fingerprint.Pepper = ""
		data, err := yaml.Marshal(cfg)
		if err != nil {
			errorf("rendering config: %v", err)
		}
		os.Stdout.Write(data)

	case "init":
		if _, err := os.Stat(*configPath); err == nil && !*force {
			errorf("%s already exists — pass --force to overwrite", *configPath)
		}
		if dir := filepath.Dir(*configPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				errorf("creating config directory: %v", err)
			}
		}
		if err := core.SaveConfig(core.DefaultConfig(), *configPath); err != nil {
			errorf("writing config: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s Wrote default config to %s.\n", green("✓"), *configPath)
	}
}
