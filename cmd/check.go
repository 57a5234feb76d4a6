package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/coverdesk/policy-cli/internal/consistency"
	"github.com/coverdesk/policy-cli/internal/model"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run consistency checks over the product catalog",
	Long: `Runs staleness, missing-data, price-deviation, link and verification
checks. Findings become active alerts; re-running a check updates the
existing alert instead of stacking a new one.

Examples:
  check --all
  check --product 7d0b...
  check --product 7d0b... --list`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.String("product", "", "check a single product by ID")
	f.Bool("all", false, "check every active product")
	f.Bool("list", false, "list active alerts for --product instead of checking")
	f.Bool("skip-links", false, "skip HTTP link probing")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productID, _ := cmd.Flags().GetString("product")
	all, _ := cmd.Flags().GetBool("all")
	list, _ := cmd.Flags().GetBool("list")
	skipLinks, _ := cmd.Flags().GetBool("skip-links")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if list {
		if productID == "" {
			return eris.New("check: --list requires --product")
		}
		alerts, err := st.ListActiveAlerts(ctx, productID)
		if err != nil {
			return eris.Wrap(err, "check: list alerts")
		}
		if len(alerts) == 0 {
			fmt.Println("No active alerts")
			return nil
		}
		printAlerts(alerts)
		return nil
	}

	ccfg := cfg.Consistency
	if skipLinks {
		ccfg.SkipLinkCheck = true
	}
	engine := consistency.NewEngine(st, ccfg)

	var report *consistency.Report
	switch {
	case all:
		report, err = engine.CheckAll(ctx)
	case productID != "":
		report, err = engine.CheckProduct(ctx, productID)
	default:
		return eris.New("check: pass --all or --product")
	}
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d product(s), %d alert(s), %d critical\n",
		report.Checked, len(report.Alerts), report.CriticalCount)
	printAlerts(report.Alerts)
	return nil
}

func printAlerts(alerts []model.ConsistencyAlert) {
	for _, a := range alerts {
		fmt.Printf("  [%-8s] %-20s %s (entity %s)\n", a.Severity, a.AlertType, a.Message, a.EntityID)
	}
}
