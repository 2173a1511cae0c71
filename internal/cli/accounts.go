package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamashdown/peggwatch/internal/app"
)

var (
	accountsNetwork string
	accountName     string
	accountClass    string
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage tracked accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAccounts(cmd.Context(), accountsNetwork, cmd.OutOrStdout())
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <network> <address>",
	Short: "Track an account, reactivating it if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		acct, err := getApp().AddAccount(cmd.Context(), app.AccountInput{
			Network:        args[0],
			Address:        args[1],
			Name:           accountName,
			Classification: accountClass,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tracking %s/%s as %s (id %d)\n", acct.Network, acct.Address, acct.Classification, acct.ID)
		return nil
	},
}

var accountsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <network> <address>",
	Short: "Stop scanning an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getApp().DeactivateAccount(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s/%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	accountsListCmd.Flags().StringVar(&accountsNetwork, "network", "", "Only list accounts on this network")
	accountsAddCmd.Flags().StringVar(&accountName, "name", "", "Display name")
	accountsAddCmd.Flags().StringVar(&accountClass, "class", "UNKNOWN", "EXCHANGE, TREASURY, WHALE, BRIDGE or UNKNOWN")

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsDeactivateCmd)
}
