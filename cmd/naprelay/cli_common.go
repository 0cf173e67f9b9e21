package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"naprelay/pkg/config"
	"naprelay/pkg/logger"
)

type globalFlags struct {
	verbose    bool
	napcatURL  string
	timeoutSec float64
}

// parseGlobalFlags strips the flags that apply to every command and
// returns the remaining arguments untouched, so segment flags keep
// their relative order.
func parseGlobalFlags(args []string) ([]string, globalFlags) {
	var globals globalFlags
	var rest []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--verbose":
			globals.verbose = true
		case arg == "--napcat-url":
			if i+1 < len(args) {
				i++
				globals.napcatURL = args[i]
			}
		case strings.HasPrefix(arg, "--napcat-url="):
			globals.napcatURL = strings.TrimPrefix(arg, "--napcat-url=")
		case arg == "--timeout":
			if i+1 < len(args) {
				i++
				globals.timeoutSec, _ = strconv.ParseFloat(args[i], 64)
			}
		case strings.HasPrefix(arg, "--timeout="):
			globals.timeoutSec, _ = strconv.ParseFloat(strings.TrimPrefix(arg, "--timeout="), 64)
		default:
			rest = append(rest, arg)
		}
	}

	return rest, globals
}

func applyGlobalOverrides(cfg *config.Config, globals globalFlags) {
	if globals.napcatURL != "" {
		cfg.Gateway.URL = globals.napcatURL
	}
	if globals.timeoutSec > 0 {
		cfg.Gateway.TimeoutSec = globals.timeoutSec
	}
}

func configPath() string {
	if path := os.Getenv("NAPRELAY_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(config.GetConfigDir(), "config.json")
}

// setupLogging keeps stdout clean: verbose mode logs to stderr, the
// default writes to the rotating log file.
func setupLogging(cfg *config.Config, verbose bool) {
	if verbose {
		return
	}
	if !cfg.Logging.Enabled {
		return
	}
	err := logger.EnableFileLoggingWithRotation(cfg.LogFilePath(), cfg.Logging.MaxSizeMB, cfg.Logging.RetentionDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Log file unavailable, falling back to stderr: %v\n", err)
	}
}

func requireGatewayURL(cfg *config.Config) bool {
	if cfg.Gateway.URL != "" {
		return true
	}
	fmt.Fprintln(os.Stderr, "NAPCAT_URL is required")
	return false
}

func printHelp() {
	fmt.Printf("naprelay - QQ relay bridge v%s\n\n", version)
	fmt.Println("Usage: naprelay [global options] <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  send <user_id>        Send a private message")
	fmt.Println("  send-group <group_id> Send a group message")
	fmt.Println("  rpc                   Run the JSON-RPC server on stdin/stdout")
	fmt.Println("  daemon                Relay chat messages to the agent backend")
	fmt.Println("  version               Show version information")
	fmt.Println()
	fmt.Println("Message segments (repeatable, order preserved):")
	fmt.Println("  -t, --text <text>     Text segment")
	fmt.Println("  -i, --image <path>    Image file path or URL")
	fmt.Println("  -f, --file <path>     File path to upload")
	fmt.Println("  -v, --video <path>    Video file path or URL")
	fmt.Println("  -r, --reply <id>      Reply to a message id")
	fmt.Println()
	fmt.Println("Group options:")
	fmt.Println("  --forward             Send as a forward message")
	fmt.Println("  --type normal|forward Same, argparse style")
	fmt.Println()
	fmt.Println("Daemon options:")
	fmt.Println("  --fire-and-forget     Forward to the agent without replying")
	fmt.Println()
	fmt.Println("Global options:")
	fmt.Println("  --napcat-url <url>    Gateway endpoint (env NAPCAT_URL)")
	fmt.Println("  --timeout <seconds>   Response wait timeout (env NAPCAT_TIMEOUT)")
	fmt.Println("  --verbose             Debug logging to stderr")
}
