package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/coverdesk/policy-cli/internal/duplicate"
	"github.com/coverdesk/policy-cli/pkg/oracle"
)

var dupesCmd = &cobra.Command{
	Use:   "dupes",
	Short: "Detect duplicate product listings",
	Long: `Compares a product against others from the same provider and category
and records likely duplicates. High-confidence matches flag the product as a
duplicate.

Examples:
  dupes --product 7d0b...
  dupes --product 7d0b... --no-oracle`,
	RunE: runDupes,
}

func init() {
	f := dupesCmd.Flags()
	f.String("product", "", "product ID to check (required)")
	f.Bool("no-oracle", false, "use field comparison only, no oracle calls")
	_ = dupesCmd.MarkFlagRequired("product")

	rootCmd.AddCommand(dupesCmd)
}

func runDupes(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productID, _ := cmd.Flags().GetString("product")
	noOracle, _ := cmd.Flags().GetBool("no-oracle")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	dcfg := cfg.Duplicate
	if noOracle {
		dcfg.DisableOracleMatch = true
	}

	var client oracle.Client
	if !dcfg.DisableOracleMatch {
		client, err = oracleClient()
		if err != nil {
			return err
		}
	}

	detector := duplicate.NewDetector(st, client, cfg.Oracle, dcfg)
	report, err := detector.Detect(ctx, productID)
	if err != nil {
		return eris.Wrap(err, "dupes")
	}

	fmt.Printf("Compared %d candidate(s), %d detection(s), %d high confidence\n",
		report.Compared, len(report.Detections), report.HighConfidence)
	for _, d := range report.Detections {
		fmt.Printf("  %3d  %s  (%s)\n", d.SimilarityScore, d.DuplicateProductID, d.Reasoning)
	}
	return nil
}
