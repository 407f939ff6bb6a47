package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect per-app daily budgets",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's spend against every app's budget",
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

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tREQUESTS\tCOST\tBUDGET\tREMAINING\tSTATUS")
			for _, a := range cfg.Apps {
				r, err := rt.gw.GetUsage(cmd.Context(), a.Name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%.4f\t%.2f\t%.4f\t%s\n",
					a.Name, r.Requests, r.Cost, r.Budget, r.RemainingBudget, r.Status)
			}
			p, err := rt.gw.GetUsage(cmd.Context(), "")
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%.4f\t%.2f\t%.4f\t%s\n",
				"(platform)", p.Requests, p.Cost, p.Budget, p.RemainingBudget, p.Status)
			return w.Flush()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(statusCmd)
	return cmd
}
