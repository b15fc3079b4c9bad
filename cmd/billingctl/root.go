/*
root.go - Command tree and shared wiring

PURPOSE:
  Defines the billingctl root command and the helpers shared by all
  subcommands: opening the SQLite store and building the rule set
  from the configured price list.

SEE ALSO:
  - cmd/billingctl/process.go: Event billing
  - cmd/billingctl/invoice.go: Invoice assembly
  - cmd/billingctl/balances.go: Balance reporting
  - cmd/billingctl/refund.go: Event refunds
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/logging"
	"github.com/warp/billing-engine/store/sqlite"
)

var version = "1.0.0"

// cfg is populated by main before Execute runs. It stays nil when
// configuration loading failed, in which case subcommands refuse to
// run rather than operate on half-configured defaults.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "Flight billing engine CLI",
	Long: `billingctl converts recorded flight events into ledger entries,
computes member balances and assembles invoices.

Events are imported into the SQLite store by an external step; this
tool covers everything from pricing rules onward.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Use --help to see available commands and options.")
	},
}

func Execute() {
	log := logging.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

// requireConfig guards subcommands that need a working configuration.
func requireConfig() (*config.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded, check environment variables")
	}
	return cfg, nil
}

// openStore opens the configured SQLite database.
func openStore(c *config.Config) (*sqlite.Store, error) {
	st, err := sqlite.New(c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", c.DBPath, err)
	}
	return st, nil
}

// loadRules reads the price list (and optional member data) from disk
// and builds the billing rule set.
func loadRules(c *config.Config) ([]billing.Rule, error) {
	ruleCtx := factory.RuleContext{}
	if c.MembersPath != "" {
		data, err := os.ReadFile(c.MembersPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read member data: %w", err)
		}
		ruleCtx, err = factory.ParseContext(string(data))
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(c.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read price list: %w", err)
	}
	rules, err := factory.NewRuleFactory(ruleCtx).ParseRules(string(data))
	if err != nil {
		return nil, err
	}
	return rules, nil
}
