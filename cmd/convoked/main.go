// Command convoked runs the conversation orchestration daemon: it connects
// the engine to the NATS event log, persists state in SQLite and serves
// Prometheus metrics.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
