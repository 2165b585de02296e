package main

// ---------------------------------------------------------------------------
// cmd_stop.go — stop a running instance via the API
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	timeoutStr := fs.String("timeout", "5s", "Request timeout")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath, envHost(*host), envPort(*port))
	apiKey := resolveAPIKey(*apiKeyFlag, *configPath)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	if _, err := apiPost(base+"/api/v1/shutdown", nil, apiKey, timeout); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Shutdown requested.\n", green("✓"))
}
