// ccswarm is a multi-agent orchestrator: it supervises AI agents in
// long-lived terminal sessions, dispatches tasks among them, and runs
// graph-based workflows with human-in-the-loop approval.
package main

import (
	"fmt"
	"os"

	"github.com/nwiizo/ccswarm/internal/common/apperr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(apperr.ExitCode(err))
	}
}
