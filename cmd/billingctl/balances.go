package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
)

var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Show account balances and overdue status",
	Example: `  # All accounts plus a summary line
  billingctl balances

  # A single account's running ledger
  billingctl balances --account MEM-104 --ledger`,
	RunE: runBalances,
}

func init() {
	rootCmd.AddCommand(balancesCmd)

	balancesCmd.Flags().String("account", "", "Show a single account instead of all")
	balancesCmd.Flags().Bool("ledger", false, "Print the running ledger (single account only)")
}

func runBalances(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	accountFlag, _ := cmd.Flags().GetString("account")
	showLedger, _ := cmd.Flags().GetBool("ledger")

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	calc := billing.BalanceCalculator{Store: st}

	if accountFlag != "" {
		return printAccount(ctx, calc, billing.AccountID(accountFlag), showLedger)
	}

	accounts, err := st.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if err := printAccount(ctx, calc, acc.ID, false); err != nil {
			return err
		}
	}

	summary, err := calc.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d accounts, balance %s (receivable %s, credit %s)\n",
		summary.Accounts,
		summary.TotalBalance.StringFixed(2),
		summary.TotalReceivable.StringFixed(2),
		summary.TotalCredit.StringFixed(2))

	return nil
}

func printAccount(ctx context.Context, calc billing.BalanceCalculator, id billing.AccountID, showLedger bool) error {
	points, balance, err := calc.Compute(ctx, id, nil)
	if err != nil {
		return err
	}

	overdue := ""
	if days, err := calc.DaysOverdue(ctx, id, time.Now()); err == nil && days != nil {
		overdue = fmt.Sprintf("  overdue %d days", *days)
	}
	fmt.Printf("%s  %s%s\n", id, balance.StringFixed(2), overdue)

	if showLedger {
		for _, p := range points {
			fmt.Printf("  %s  %8s  %8s  %s\n",
				p.Entry.Date.Format("2006-01-02"),
				p.Entry.Amount.StringFixed(2),
				p.Balance.StringFixed(2),
				p.Entry.Description)
		}
	}
	return nil
}
