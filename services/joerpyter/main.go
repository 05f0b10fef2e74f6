package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/kernel"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "joerpyter",
		Short:         "Notebook kernel for the Joern and Ocular query servers",
		Version:       kernel.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInstallCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
