// Package main is the entrypoint for the task-tracker gateway.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/taskmesh/task-tracker/internal/gateway"
)

const usage = `Usage: gateway [command]

Commands:
  serve   (default) Start the gateway (broker, RPC client, HTTP API).
  help    Show this message.

Environment: BROKER_URL, RPC_CALL_TIMEOUT, HTTP_PORT, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := gateway.Run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}
