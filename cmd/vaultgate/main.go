package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configEnv overrides the default config path.
const configEnv = "VAULTGATE_CONFIG"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "audit":
		return runAuditNoun(args)
	case "db":
		return runDBNoun(args)
	case "webhook":
		return runWebhookNoun(args)

	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: vaultgate version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("vaultgate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// defaultConfigPath is $VAULTGATE_CONFIG or ./config.yaml.
func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(configEnv)); p != "" {
		return p
	}
	return "config.yaml"
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// dispatch runs the action named by args[0] from actions.
func dispatch(noun string, args []string, actions map[string]func([]string) int, help func(w *os.File)) int {
	if len(args) < 1 {
		help(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		help(os.Stdout)
		return 0
	}
	run, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	return run(args[1:])
}

func printUsage() {
	fmt.Print(`vaultgate - authenticating gateway for inbound webhooks

Usage:
  vaultgate <noun> <action> [flags]

Commands:
  start              Start the webhook gateway (and ops API if enabled)

Config Commands:
  config check       Validate configuration and report warnings
  config lock        Record BLAKE3 checksums of the config and its includes

Audit Commands:
  audit list         Show recent verification outcomes
  audit verify       Re-check the audit seal chain

Database Commands:
  db stats           Show pool counters and inbox event totals

Webhook Commands:
  webhook sign       Compute signature headers for a test delivery

General:
  version            Show version information
  help               Show this help message

The config path defaults to $VAULTGATE_CONFIG, then ./config.yaml.
Use 'vaultgate <noun> help' for action-specific flags.
`)
}

func printStartHelp() {
	fmt.Println("Usage: vaultgate start [--config PATH]")
	fmt.Println("Start the webhook gateway in the foreground. SIGINT/SIGTERM shut it down.")
}
