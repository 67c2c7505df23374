package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var skipCap bool

var heartsCMD = &cobra.Command{
	Use:   "hearts",
	Short: "Credit, debit and inspect hearts balances",
}

var heartsCreditCMD = &cobra.Command{
	Use:   "credit <user> <amount>",
	Short: "Credit hearts against the daily earn cap",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			today, err := now(a.loc)
			if err != nil {
				return err
			}
			res, err := a.ledger.Credit(cmd.Context(), args[0], amount, today, skipCap)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var heartsDebitCMD = &cobra.Command{
	Use:   "debit <user> <amount>",
	Short: "Spend hearts if the balance covers it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.ledger.Debit(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var heartsShowCMD = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's balance row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			b, err := a.ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, b)
		})
	},
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return n, nil
}

func init() {
	heartsCreditCMD.Flags().BoolVar(&skipCap, "skip-cap", false, "bypass the daily earn cap")
	heartsCMD.AddCommand(heartsCreditCMD, heartsDebitCMD, heartsShowCMD)
	rootCmd.AddCommand(heartsCMD)
}
