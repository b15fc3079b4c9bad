package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

var sampleCmd = &cobra.Command{
	Use:   "sample-rules",
	Short: "Print a complete sample price list",
	Long: `Print the built-in sample price-list document. Redirect it to a file
and edit the rates to bootstrap a real configuration:

  billingctl sample-rules --year 2026 > rules.json`,
	RunE: runSample,
}

func init() {
	rootCmd.AddCommand(sampleCmd)

	sampleCmd.Flags().Int("year", time.Now().Year(), "Year stamped into cap ids")
}

func runSample(cmd *cobra.Command, args []string) error {
	year, _ := cmd.Flags().GetInt("year")

	doc := factory.SamplePriceList(year)
	if _, err := factory.NewRuleFactory(sampleContext()).ParseRules(doc); err != nil {
		return fmt.Errorf("sample document failed validation: %w", err)
	}
	fmt.Println(doc)
	return nil
}

// sampleContext satisfies the member lists the sample document refers
// to, so validation can run without real member data.
func sampleContext() factory.RuleContext {
	return factory.RuleContext{
		MemberLists: map[string][]billing.AccountID{
			"course_members": {},
		},
	}
}
