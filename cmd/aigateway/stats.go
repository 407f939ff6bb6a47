package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		app        string
		since      time.Duration
		recent     int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show logged usage events per app and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.Tracker.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := cmd.Context()
			from := time.Now().Add(-since)

			// Recent events view
			if recent > 0 {
				events, err := tr.Query(ctx, app, from, recent)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Println("No usage events found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tAPP\tUSE CASE\tMODEL\tTOKENS\tCOST\tLATENCY\tRESULT")
				for _, e := range events {
					result := "ok"
					if !e.Success {
						result = string(e.ErrorCode)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.6f\t%dms\t%s\n",
						e.Timestamp.Format("2006-01-02T15:04:05"), e.App, e.UseCase, e.Model,
						e.TokensUsed, e.Cost, e.ResponseTimeMs, result)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx, app, from)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tMODEL\tREQUESTS\tFAILURES\tTOKENS\tCOST")
			for _, s := range summaries {
				model := s.Model
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.4f\n",
					s.App, model, s.RequestCount, s.Failures, s.TotalTokens, s.TotalCost)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&app, "app", "", "filter by application")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent events instead of the summary")
	return cmd
}
