package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the aegisd CLI
//
// This file is intentionally slim. All command implementations live in
// their own files (cmd_*.go). Shared helpers are in helpers.go, http.go,
// and output.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "1.0.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			printUsage(os.Stdout)
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "up":
		cmdUp(args)
	case "status":
		cmdStatus(args)
	case "violations":
		cmdViolations(args)
	case "events":
		cmdEvents(args)
	case "analysis":
		cmdAnalysis(args)
	case "export":
		cmdExport(args)
	case "config":
		cmdConfig(args)
	case "stop":
		cmdStop(args)
	case "version":
		printVersion(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "aegisd %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `%s — attack pattern and coordinated threat detection engine

Usage:
  aegisd <command> [flags]

Commands:
  up          Start the detection engine and API server
  status      Show engine status from a running instance
  violations  List, inspect, or triage emitted violations
  events      Submit a raw event for analysis
  analysis    Show or toggle the global analysis switch
  export      Forensic dump of all detector state
  config      Print or initialize configuration
  stop        Stop a running instance
  version     Print version information

Environment:
  AEGISD_CONFIG    Default config file path
  AEGISD_HOST      API host override
  AEGISD_PORT      API port override
  AEGISD_API_KEY   API key for authentication

Run 'aegisd <command> -h' for command flags.
`, bold("aegisd"))
}
