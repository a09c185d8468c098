/*
main.go - Application entry point

PURPOSE:
  Runs the credit-engine command line. "serve" starts the HTTP API and the
  maintenance scheduler; "health" and "balance" inspect a database offline.

EXAMPLES:
  # Run the API with a config file
  ./server serve --config=./credit-engine.toml

  # Run with an in-memory database on another port
  ./server serve --db=":memory:" --addr=":3000"

  # Inventory health as JSON
  ./server health --json

ENVIRONMENT:
  CREDIT_ENGINE_* variables override the config file; see config/config.go.

SEE ALSO:
  - cli/root.go: Command tree and flag precedence
  - cli/serve.go: Server startup and graceful shutdown
*/
package main

import (
	"os"

	"github.com/warp/credit-engine/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
