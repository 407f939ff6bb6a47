package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/models"
)

func newUsageCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "usage [app]",
		Short: "Show today's usage for an app, or the platform total",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, newLogger(cfg.Log))
			if err != nil {
				return err
			}
			defer rt.Close()

			var app string
			if len(args) == 1 {
				app = args[0]
			}
			report, err := rt.gw.GetUsage(cmd.Context(), app)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Print(formatUsage(report))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func formatUsage(r *models.UsageReport) string {
	var b strings.Builder
	name := r.App
	if name == "" {
		name = "platform"
	}
	fmt.Fprintf(&b, "%-12s %s\n", "APP", name)
	fmt.Fprintf(&b, "%-12s %d\n", "REQUESTS", r.Requests)
	fmt.Fprintf(&b, "%-12s $%.4f / $%.2f\n", "COST", r.Cost, r.Budget)
	fmt.Fprintf(&b, "%-12s $%.4f\n", "REMAINING", r.RemainingBudget)
	fmt.Fprintf(&b, "%-12s %s\n", "STATUS", r.Status)
	if len(r.TopModels) == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "\n%-34s %8s\n", "MODEL", "REQUESTS")
	b.WriteString(strings.Repeat("-", 43) + "\n")
	for _, m := range r.TopModels {
		fmt.Fprintf(&b, "%-34s %8d\n", m.Model, m.Count)
	}
	return b.String()
}
