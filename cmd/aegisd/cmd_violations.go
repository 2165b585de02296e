package main

// ---------------------------------------------------------------------------
// cmd_violations.go — list, inspect, and triage emitted violations
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"time"
)

func cmdViolations(args []string) {
	// Peel off a triage subaction if present: get/ack/resolve/delete/clear
	action, id := "list", ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action = args[0]
		args = args[1:]
		if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
			id = args[0]
			args = args[1:]
		}
	}

	fs := flag.NewFlagSet("violations", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	limit := fs.Int("limit", 50, "Maximum violations to list")
	minSeverity := fs.String("min-severity", "", "Minimum severity: LOW, MEDIUM, HIGH, CRITICAL")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	timeoutStr := fs.String("timeout", "5s", "Request timeout")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath, envHost(*host), envPort(*port))
	apiKey := resolveAPIKey(*apiKeyFlag, *configPath)

	if *jsonOut {
		*format = "json"
	}
	outFmt := parseFormat(*format)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	switch action {
	case "list":
		url := fmt.Sprintf("%s/api/v1/violations?limit=%d", base, *limit)
		if *minSeverity != "" {
			url += "&min_severity=" + strings.ToUpper(*minSeverity)
		}
		body, err := apiGet(url, apiKey, timeout)
		if err != nil {
			errorf("%v", err)
		}
		if outFmt == FormatJSON {
			fmt.Fprintln(w, string(body))
			return
		}

		var resp struct {
			Violations []map[string]interface{} `json:"violations"`
			Total      int                      `json:"total"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			errorf("parsing response: %v", err)
		}

		if outFmt == FormatCSV {
			rows := make([][]string, 0, len(resp.Violations))
			for _, v := range resp.Violations {
				rows = append(rows, []string{
					fmt.Sprintf("%v", v["id"]),
					fmt.Sprintf("%v", v["detector"]),
					fmt.Sprintf("%v", v["type"]),
					fmt.Sprintf("%v", v["severity"]),
					fmt.Sprintf("%v", v["source_ip"]),
					fmt.Sprintf("%v", v["status"]),
					fmt.Sprintf("%v", v["detected_at"]),
				})
			}
			writeCSV(w, []string{"id", "detector", "type", "severity", "source_ip", "status", "detected_at"}, rows)
			return
		}

		if len(resp.Violations) == 0 {
			fmt.Fprintf(w, "%s No violations.\n", green("✓"))
			return
		}
		t := NewTable(w, "ID", "DETECTOR", "TYPE", "SEVERITY", "SOURCE IP", "STATUS")
		for _, v := range resp.Violations {
			sev := fmt.Sprintf("%v", v["severity"])
			switch sev {
			case "CRITICAL", "HIGH":
				sev = red(sev)
			case "MEDIUM":
				sev = yellow(sev)
			}
			idStr := fmt.Sprintf("%v", v["id"])
			if len(idStr) > 8 {
				idStr = idStr[:8]
			}
			t.AddRow(idStr,
				fmt.Sprintf("%v", v["detector"]),
				fmt.Sprintf("%v", v["type"]),
				sev,
				fmt.Sprintf("%v", v["source_ip"]),
				fmt.Sprintf("%v", v["status"]))
		}
		t.Render()
		fmt.Fprintf(w, "%d violation(s)\n", resp.Total)

	case "get":
		if id == "" {
			errorf("usage: aegisd violations get <id>")
		}
		body, err := apiGet(base+"/api/v1/violations/"+id, apiKey, timeout)
		if err != nil {
			errorf("%v", err)
		}
		fmt.Fprintln(w, string(body))

	case "ack", "resolve", "false-positive":
		if id == "" {
			errorf("usage: aegisd violations %s <id>", action)
		}
		status := map[string]string{
			"ack":            "ACKNOWLEDGED",
			"resolve":        "RESOLVED",
			"false-positive": "FALSE_POSITIVE",
		}[action]
		payload, _ := json.Marshal(map[string]string{"status": status})
		body, err := apiPatch(base+"/api/v1/violations/"+id, payload, apiKey, timeout)
		if err != nil {
			errorf("%v", err)
		}
		if outFmt == FormatJSON {
			fmt.Fprintln(w, string(body))
			return
		}
		fmt.Fprintf(w, "%s Violation %s marked %s.\n", green("✓"), id, status)

	case "delete":
		if id == "" {
			errorf("usage: aegisd violations delete <id>")
		}
		if _, err := apiDelete(base+"/api/v1/violations/"+id, apiKey, timeout); err != nil {
			errorf("%v", err)
		}
		fmt.Fprintf(w, "%s Violation %s deleted.\n", green("✓"), id)

	case "clear":
		body, err := apiPost(base+"/api/v1/violations/clear", nil, apiKey, timeout)
		if err != nil {
			errorf("%v", err)
		}
		var resp struct {
			Cleared int `json:"cleared"`
		}
		_ = json.Unmarshal(body, &resp)
		fmt.Fprintf(w, "%s Cleared %d violation(s).\n", green("✓"), resp.Cleared)

	default:
		errorf("unknown violations action %q — use list, get, ack, resolve, false-positive, delete, or clear", action)
	}
}
