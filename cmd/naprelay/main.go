// naprelay - QQ relay bridge between a Napcat gateway and a
// conversational agent backend.

package main

import (
	"fmt"
	"os"

	"naprelay/pkg/config"
	"naprelay/pkg/logger"
)

const version = "0.1.0"

func main() {
	args, globals := parseGlobalFlags(os.Args[1:])

	if globals.verbose {
		logger.SetLevel(logger.DEBUG)
	}

	if len(args) < 1 {
		printHelp()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	applyGlobalOverrides(cfg, globals)
	setupLogging(cfg, globals.verbose)

	command := args[0]
	rest := args[1:]

	switch command {
	case "send":
		os.Exit(sendCmd(cfg, rest))
	case "send-group":
		os.Exit(sendGroupCmd(cfg, rest))
	case "rpc":
		os.Exit(rpcCmd(cfg))
	case "daemon":
		os.Exit(daemonCmd(cfg, rest))
	case "version", "--version":
		fmt.Printf("naprelay v%s\n", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}
