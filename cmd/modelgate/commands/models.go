package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"modelgate/internal/local"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured backends and local models",
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if len(cfg.Backends) > 0 {
		fmt.Fprintln(w, "BACKEND\tTYPE\tBASE URL\tRATE LIMIT\tALIASES")
		for _, b := range cfg.Backends {
			base := b.BaseURL
			if base == "" {
				base = "(default)"
			}
			rate := "unlimited"
			if b.RateLimit > 0 {
				rate = fmt.Sprintf("%.2f req/s", b.RateLimit)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", b.Name, b.Type, base, rate, len(b.ModelAliases))
		}
		fmt.Fprintln(w)
	}
	if len(cfg.Local) > 0 {
		engines := local.EngineSupport()
		fmt.Fprintln(w, "LOCAL MODEL\tFORMAT\tCONTEXT\tENGINE\tPATH")
		for _, mc := range cfg.Local {
			mc = mc.WithDefaults()
			engine := "available"
			if !engines[mc.Format] {
				engine = "not built"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", mc.Name, mc.Format, mc.ContextWindow, engine, mc.Path)
		}
	}
	if len(cfg.Backends) == 0 && len(cfg.Local) == 0 {
		fmt.Fprintln(w, "no backends or local models configured")
	}
	return w.Flush()
}
