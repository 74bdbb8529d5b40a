package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"modelgate/internal/usage"
)

var usageSince time.Duration

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show accumulated token and cost totals per backend",
	RunE:  runUsage,
}

func init() {
	usageCmd.Flags().DurationVar(&usageSince, "since", 24*time.Hour, "aggregation window")
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Usage.Enabled {
		return fmt.Errorf("usage tracking is disabled in configuration")
	}

	store, err := usage.Open(cfg.Usage.Path, 0)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	totals, err := store.TotalsSince(cmd.Context(), time.Now().Add(-usageSince))
	if err != nil {
		return err
	}
	if len(totals) == 0 {
		fmt.Printf("no usage recorded in the last %s\n", usageSince)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tREQUESTS\tINPUT\tOUTPUT\tCOST (USD)")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.6f\n", t.Backend, t.Requests, t.InputTokens, t.OutputTokens, t.Cost)
	}
	return w.Flush()
}
