// Command modelplaned runs the API Model Management Plane: registry,
// health tracking, rate limiting, cost ledger, selection, dispatch, and
// cross-model failover, wired together per SPEC_FULL.md.
package main

import (
	"fmt"
	"os"

	"github.com/modelplane/modelplane/cmd/modelplaned/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
