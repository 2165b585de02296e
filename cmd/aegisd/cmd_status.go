package main

// ---------------------------------------------------------------------------
// cmd_status.go — fetch status from a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"time"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	timeoutStr := fs.String("timeout", "5s", "Request timeout")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	hostVal := envHost(*host)
	portVal := envPort(*port)

	if *jsonOut {
		*format = "json"
	}
	outFmt := parseFormat(*format)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	base := apiBase(*configPath, hostVal, portVal)
	apiKey := resolveAPIKey(*apiKeyFlag, *configPath)
	body, err := apiGet(base+"/api/v1/status", apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	if outFmt == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var status map[string]interface{}
	if err := json.Unmarshal(body, &status); err != nil {
		errorf("parsing response: %v", err)
	}

	if outFmt == FormatCSV {
		headers := []string{"field", "value"}
		rows := [][]string{
			{"version", fmt.Sprintf("%v", status["version"])},
			{"status", fmt.Sprintf("%v", status["status"])},
			{"analysis_enabled", fmt.Sprintf("%v", status["analysis_enabled"])},
			{"bus_connected", fmt.Sprintf("%v", status["bus_connected"])},
			{"detectors_total", fmt.Sprintf("%v", status["detectors_total"])},
			{"violations_total", fmt.Sprintf("%v", status["violations_total"])},
			{"timestamp", fmt.Sprintf("%v", status["timestamp"])},
		}
		writeCSV(w, headers, rows)
		return
	}

	// Table (default)
	fmt.Fprintf(w, "%s aegisd Status\n\n", bold("●"))
	fmt.Fprintf(w, "  %-20s %s\n", "Version:", green(fmt.Sprintf("%v", status["version"])))
	fmt.Fprintf(w, "  %-20s %s\n", "Status:", green(fmt.Sprintf("%v", status["status"])))
	analysisDisplay := green("enabled")
	if enabled, ok := status["analysis_enabled"].(bool); ok && !enabled {
		analysisDisplay = yellow("suspended")
	}
	fmt.Fprintf(w, "  %-20s %s\n", "Analysis:", analysisDisplay)
	fmt.Fprintf(w, "  %-20s %v\n", "Bus Connected:", status["bus_connected"])
	fmt.Fprintf(w, "  %-20s %v\n", "Detectors Active:", status["detectors_total"])
	fmt.Fprintf(w, "  %-20s %v\n", "Total Violations:", status["violations_total"])
	fmt.Fprintf(w, "  %-20s %v\n", "Timestamp:", status["timestamp"])

	if stats, ok := status["stats"].(map[string]interface{}); ok {
		if detectors, ok := stats["detectors"].(map[string]interface{}); ok && len(detectors) > 0 {
			fmt.Fprintf(w, "\n  %s\n", bold("Detectors:"))
			for name, raw := range detectors {
				counters, _ := raw.(map[string]interface{})
				parts := ""
				for k, v := range counters {
					if parts != "" {
						parts += ", "
					}
					parts += fmt.Sprintf("%s=%v", k, v)
				}
				fmt.Fprintf(w, "    %s %-24s %s\n", green("●"), name, dim(parts))
			}
		}
	}
	fmt.Fprintln(w)
}
