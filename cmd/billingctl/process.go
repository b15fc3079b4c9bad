package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/logging"
)

var processCmd = &cobra.Command{
	Use:   "process-events",
	Short: "Convert unbilled flight events into ledger entries",
	Long: `Run the pricing rules over every stored event that has no ledger
entries yet. Each event is billed at most once; re-running the command
only picks up events added since the last run.`,
	Example: `  # Bill everything outstanding
  billingctl process-events

  # Preview without writing entries
  billingctl process-events --dry-run

  # Abort the whole batch on the first evaluation error
  billingctl process-events --strict`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Bool("dry-run", false, "Compute entries but roll back instead of committing")
	processCmd.Flags().Bool("strict", false, "Abort the batch on the first event that fails to evaluate")
}

func runProcess(cmd *cobra.Command, args []string) error {
	log := logging.WithComponent("process-events")

	c, err := requireConfig()
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	strict, _ := cmd.Flags().GetBool("strict")

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := loadRules(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	events, err := st.UnbilledEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unbilled events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No unbilled events.")
		return nil
	}

	log.Info().
		Int("events", len(events)).
		Bool("dry_run", dryRun).
		Bool("strict", strict).
		Msg("Processing events")

	engine := billing.NewEngine(st, rules, c.ExcludedRefs)
	result, err := engine.ProcessEvents(ctx, events, billing.ProcessOptions{
		DryRun: dryRun,
		Strict: strict,
	})
	if err != nil {
		return err
	}

	for accountID, entries := range result.EntriesByAccount {
		fmt.Printf("%s: %d entries, total %s\n",
			accountID, len(entries), billing.TotalOf(entries).StringFixed(2))
	}
	fmt.Printf("Processed %d, skipped %d, failed %d",
		result.Processed, result.Skipped, result.Failed)
	if result.DryRun {
		fmt.Print(" (dry run, nothing written)")
	}
	fmt.Println()

	return nil
}
