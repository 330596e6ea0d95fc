// Command cillow is the client CLI: run code, start a REPL, or inspect
// environments against a running cillow-server broker.
package main

import "github.com/synacktraa/cillow/internal/cli"

func main() {
	cli.Execute()
}
