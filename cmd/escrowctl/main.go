// Command escrowctl runs operator tasks against an escrow ledger: schema
// migrations, deadline sweeps, log replay, state statistics and dev tokens.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/escrow-hub/escrow-hub/internal/config"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate the escrow transaction ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(tokenCmd())
	return root
}

// loadConfig is swapped in tests.
var loadConfig = config.Load

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
