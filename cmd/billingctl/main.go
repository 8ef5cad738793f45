// Command billingctl runs the billing batches from cron or a shell.
//
//	billingctl generate --scope mgr-1 --year 2025 --month 1
//	billingctl dunning --scope mgr-1 --send-emails
//	billingctl vpi check --scope mgr-1 --index 127.4 --published 2025-02-28
//	billingctl vpi apply --tenant t-17 --index 127.4 --published 2025-02-28 --approved-by ops
//	billingctl report arrears --scope mgr-1 --out arrears.xlsx
//
// Configuration comes from the environment and .env, as for the server.
// Results are printed as JSON. The exit status is non-zero when a run
// fails or records an invariant violation.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/warp/billing-engine/app"
	"github.com/warp/billing-engine/config"
)

func main() {
	_ = godotenv.Load()

	open := func() (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		logger, err := config.NewLogger(cfg)
		if err != nil {
			return nil, err
		}
		return app.New(cfg, logger)
	}

	if err := newRootCmd(open, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
