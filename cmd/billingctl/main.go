/*
main.go - Billing CLI entry point

PURPOSE:
  Initializes the billing engine CLI: loads environment variables,
  configuration and logging, then dispatches to the cobra command
  tree defined in root.go.

STARTUP SEQUENCE:
  1. Load .env (optional, development convenience)
  2. Load configuration from the environment
  3. Initialize structured logging (zerolog)
  4. Execute the requested subcommand

ENVIRONMENT:
  BILLING_DB_PATH        SQLite database path (default: ./data/billing.db)
  BILLING_RULES_PATH     Price-list JSON document (default: ./rules.json)
  BILLING_MEMBERS_PATH   Optional member-data JSON document
  BILLING_DUE_DAYS       Invoice payment term in days (default: 14)
  BILLING_EXCLUDED_REFS  Comma-separated account ids never billed
  LOG_LEVEL              trace|debug|info|warn|error (default: info)
  LOG_FORMAT             console|json (default: console)

EXAMPLES:
  # Bill all unprocessed flight events
  ./billingctl process-events

  # Preview invoices without writing anything
  ./billingctl invoice --dry-run

SEE ALSO:
  - cmd/billingctl/root.go: Command tree
  - config/config.go: Environment configuration
  - logging/logging.go: Logger setup
*/
package main

import (
	stdlog "log"

	"github.com/joho/godotenv"

	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logging"
)

func main() {
	// .env is a development convenience, missing file is fine
	if err := godotenv.Load(); err != nil {
		stdlog.Printf("Warning: Could not load .env file: %v", err)
	}

	loaded, err := config.Load()
	if err != nil {
		stdlog.Printf("Warning: Could not load configuration: %v", err)
		if err := logging.Setup(logging.DefaultConfig()); err != nil {
			stdlog.Fatalf("Failed to initialize logger: %v", err)
		}
	} else {
		cfg = loaded
		logCfg := logging.Config{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			TimeFormat: cfg.LogTimeFormat,
			Output:     cfg.LogOutput,
		}
		if err := logging.Setup(logCfg); err != nil {
			stdlog.Fatalf("Failed to initialize logger: %v", err)
		}
	}

	Execute()
}
