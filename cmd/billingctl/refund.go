package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/logging"
)

var refundCmd = &cobra.Command{
	Use:   "refund <event-id>",
	Short: "Refund a billed event",
	Long: `Create a single negating ledger entry that cancels everything the
given event was billed. Refunding an already refunded event is a
no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runRefund,
}

func init() {
	rootCmd.AddCommand(refundCmd)
}

func runRefund(cmd *cobra.Command, args []string) error {
	log := logging.WithComponent("refund")

	c, err := requireConfig()
	if err != nil {
		return err
	}

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	eventID := billing.EventID(args[0])
	engine := billing.NewEngine(st, nil, c.ExcludedRefs)

	entry, err := engine.RefundEvent(context.Background(), eventID)
	if err != nil {
		return err
	}
	if entry == nil {
		fmt.Printf("Event %s already refunded, nothing to do.\n", eventID)
		return nil
	}

	log.Info().
		Str("event_id", string(eventID)).
		Str("entry_id", string(entry.ID)).
		Str("amount", entry.Amount.StringFixed(2)).
		Msg("Event refunded")
	fmt.Printf("Refunded %s: entry %s amount %s\n",
		eventID, entry.ID, entry.Amount.StringFixed(2))

	return nil
}
