package main

// ---------------------------------------------------------------------------
// cmd_export.go — forensic dump of all detector state
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	output := fs.String("output", "", "Write dump to file instead of stdout")
	timeoutStr := fs.String("timeout", "30s", "Request timeout")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath, envHost(*host), envPort(*port))
	apiKey := resolveAPIKey(*apiKeyFlag, *configPath)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	body, err := apiGet(base+"/api/v1/export", apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()
	fmt.Fprintln(w, string(body))

	if *output != "" && *output != "-" {
		fmt.Fprintf(os.Stderr, "%s State exported to %s (%d bytes).\n", green("✓"), *output, len(body))
	}
}
