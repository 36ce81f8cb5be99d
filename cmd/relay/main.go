// Package main provides the relay CLI for running and calling gRPC services.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relay-rpc/relay/cmd/relay/commands"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "gRPC runtime core: server dispatcher and load-balanced client channel",
		Long: `Relay is a gRPC runtime library. This CLI runs a framed echo service for
smoke testing and issues one-shot calls against any relay-compatible server.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.AddCommand(
		commands.NewServeCommand(),
		commands.NewCallCommand(),
		commands.NewVersionCommand(version, commit, buildDate),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
