package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/logging"
)

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Assemble draft invoices from open ledger entries",
	Long: `Walk each account's ledger backwards from the latest entry to the
most recent settled point and collect the open entries into a draft
invoice. The invoice total always equals the account balance.

Accounts with a zero balance are skipped. Accounts with a credit
balance are skipped unless --include-credit is given.`,
	Example: `  # Draft invoices for every account with an open balance
  billingctl invoice

  # Preview, nothing is written
  billingctl invoice --dry-run

  # Re-draft: discard previous drafts first
  billingctl invoice --delete-drafts

  # Only selected accounts
  billingctl invoice --account MEM-104 --account MEM-211`,
	RunE: runInvoice,
}

func init() {
	rootCmd.AddCommand(invoiceCmd)

	invoiceCmd.Flags().StringSlice("account", nil, "Restrict to the given account ids (repeatable)")
	invoiceCmd.Flags().Bool("dry-run", false, "Compute invoices but roll back instead of committing")
	invoiceCmd.Flags().Bool("delete-drafts", false, "Delete existing draft invoices before assembling")
	invoiceCmd.Flags().Bool("include-credit", false, "Also invoice accounts with a credit balance")
}

func runInvoice(cmd *cobra.Command, args []string) error {
	log := logging.WithComponent("invoice")

	c, err := requireConfig()
	if err != nil {
		return err
	}
	accounts, _ := cmd.Flags().GetStringSlice("account")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	deleteDrafts, _ := cmd.Flags().GetBool("delete-drafts")
	includeCredit, _ := cmd.Flags().GetBool("include-credit")

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := billing.AssembleOptions{
		IncludeCredit: includeCredit,
		DeleteDrafts:  deleteDrafts,
		DryRun:        dryRun,
	}
	for _, id := range accounts {
		opts.AccountIDs = append(opts.AccountIDs, billing.AccountID(id))
	}

	log.Info().
		Int("accounts", len(accounts)).
		Bool("dry_run", dryRun).
		Bool("delete_drafts", deleteDrafts).
		Msg("Assembling invoices")

	assembler := billing.NewInvoiceAssembler(st).WithDueDays(c.DueDays)
	result, err := assembler.AssembleAll(context.Background(), opts)
	if err != nil {
		return err
	}

	for _, inv := range result.Invoices {
		fmt.Printf("%s  %s  %d entries  due %s\n",
			inv.Number, inv.AccountID,
			len(inv.EntryIDs), inv.DueDate.Format("2006-01-02"))
	}
	fmt.Printf("%d invoices, total %s", len(result.Invoices), result.Total.StringFixed(2))
	if result.DryRun {
		fmt.Print(" (dry run, nothing written)")
	}
	fmt.Println()

	return nil
}
