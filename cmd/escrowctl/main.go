// Command escrowctl is the operator CLI for the escrow dispute desk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	server string
	token  string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Review and resolve escrow disputes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.server, "server", envOr("ESCROWDESK_URL", "http://localhost:8080"), "escrow API base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("ESCROWDESK_TOKEN"), "bearer token printed by escrowctl login")

	root.AddCommand(loginCmd(flags))
	root.AddCommand(listCmd(flags))
	root.AddCommand(showCmd(flags))
	root.AddCommand(resolveCmd(flags))
	root.AddCommand(releaseCmd(flags))
	root.AddCommand(statsCmd(flags))
	root.AddCommand(exportCmd(flags))
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
