package main

// ---------------------------------------------------------------------------
// cmd_events.go — submit a raw event to a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	file := fs.String("file", "", "Read event JSON from file ('-' for stdin)")
	kind := fs.String("kind", "", "Event kind: auth_attempt, session_activity, attack_report")
	sourceIP := fs.String("source-ip", "", "Event source IP")
	tenant := fs.String("tenant", "", "Tenant ID")
	username := fs.String("username", "", "Username (auth_attempt)")
	succeeded := fs.Bool("succeeded", false, "Whether the attempt succeeded (auth_attempt)")
	sessionID := fs.String("session-id", "", "Session ID")
	timeoutStr := fs.String("timeout", "5s", "Request timeout")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath, envHost(*host), envPort(*port))
	apiKey := resolveAPIKey(*apiKeyFlag, *configPath)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	var payload []byte
	if *file != "" {
		if *file == "-" {
			payload, err = io.ReadAll(os.Stdin)
		} else {
			payload, err = os.ReadFile(*file)
		}
		if err != nil {
			errorf("reading event: %v", err)
		}
	} else {
		if *kind == "" || *sourceIP == "" {
			errorf("provide --file, or at least --kind and --source-ip")
		}
		event := map[string]interface{}{
			"kind":      *kind,
			"source_ip": *sourceIP,
			"timestamp": time.Now().UTC(),
		}
		if *tenant != "" {
			event["tenant_id"] = *tenant
		}
		if *username != "" {
			event["username"] = *username
			event["succeeded"] = *succeeded
		}
		if *sessionID != "" {
			event["session_id"] = *sessionID
		}
		payload, _ = json.Marshal(event)
	}

	body, err := apiPost(base+"/api/v1/events", payload, apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}

	var resp struct {
		Status     string                   `json:"status"`
		EventID    string                   `json:"event_id"`
		Violations []map[string]interface{} `json:"violations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}

	fmt.Fprintf(os.Stdout, "%s Event %s accepted.\n", green("✓"), resp.EventID)
	for _, v := range resp.Violations {
		fmt.Fprintf(os.Stdout, "  %s %v (%v): %v\n",
			red("!"), v["type"], v["severity"], v["description"])
	}
	if len(resp.Violations) == 0 {
		fmt.Fprintf(os.Stdout, "  %s\n", dim("no violations triggered"))
	}
}
