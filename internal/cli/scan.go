package cli

import (
	"github.com/spf13/cobra"
)

var scanNetwork string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one ledger scan cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Scan(cmd.Context(), scanNetwork, cmd.OutOrStdout())
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanNetwork, "network", "", "Scan only this network (default: all)")
}
