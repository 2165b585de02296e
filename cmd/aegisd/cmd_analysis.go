package main

// ---------------------------------------------------------------------------
// cmd_analysis.go — show or toggle the global analysis switch
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func cmdAnalysis(args []string) {
	action := "show"
	if len(args) > 0 && (args[0] == "enable" || args[0] == "disable" || args[0] == "show") {
		action = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("analysis", flag.ExitOnError)
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

	var body []byte
	switch action {
	case "show":
		body, err = apiGet(base+"/api/v1/analysis", apiKey, timeout)
	case "enable", "disable":
		payload, _ := json.Marshal(map[string]bool{"enabled": action == "enable"})
		body, err = apiPost(base+"/api/v1/analysis", payload, apiKey, timeout)
	}
	if err != nil {
		errorf("%v", err)
	}

	var resp struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}

	if resp.Enabled {
		fmt.Fprintf(os.Stdout, "%s Analysis enabled — events are scored and violations emitted.\n", green("✓"))
	} else {
		fmt.Fprintf(os.Stdout, "%s Analysis suspended — events are recorded but nothing is emitted.\n", yellow("⚠"))
	}
}
