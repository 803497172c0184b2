package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"rentalhub/internal/util"
	"rentalhub/services/listing/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "rentalctl",
		Short:        "Operator tooling for the rentalhub listing service",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			util.InitLogger(level)
		},
	}
	rootCmd.PersistentFlags().String("config", config.ConfigPath, "path to the service config file")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(createAdminCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
