package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fulfillment",
	Short: "Event ticketing fulfillment service",
	Long:  `Reconciles payments against on-chain issuance: publishes events, fulfills paid orders and executes delegated attestation batches`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
