package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/audit"
	"github.com/ganger-platform/aigateway/pkg/models"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the safety audit trail",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditShowCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath  string
		app         string
		useCase     string
		since       string
		blockedOnly bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				App:         app,
				UseCase:     models.UseCase(useCase),
				BlockedOnly: blockedOnly,
				Limit:       limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&app, "app", "", "filter by application")
	cmd.Flags().StringVar(&useCase, "use-case", "", "filter by use case")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&blockedOnly, "blocked", false, "only blocked content")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show the audit entries recorded for one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(cmd.Context(), models.AuditQueryOpts{RequestID: args[0]})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No entry found for that request ID.")
				return nil
			}

			for i, e := range entries {
				if i > 0 {
					fmt.Println()
				}
				fmt.Printf("Request ID:  %s\n", e.RequestID)
				fmt.Printf("App:         %s\n", e.App)
				fmt.Printf("Use case:    %s\n", e.UseCase)
				if e.Model != "" {
					fmt.Printf("Model:       %s\n", e.Model)
				}
				fmt.Printf("Direction:   %s\n", e.Direction)
				fmt.Printf("Score:       %.2f (blocked=%t, phi=%t)\n", e.Score, e.Blocked, e.ContainsPHI)
				if len(e.Flags) > 0 {
					fmt.Printf("Flags:       %s\n", strings.Join(e.Flags, ", "))
				}
				fmt.Printf("Content:     %d bytes, sha256 %s\n", e.ContentLength, e.ContentHash)
				fmt.Printf("Time:        %s\n", e.CreatedAt.Format(time.RFC3339))
				if e.Content != "" {
					fmt.Printf("\n--- Content ---\n%s\n", e.Content)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit entry counts by app and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-18s %-24s %-8s %5s %-7s %-20s\n",
		"REQUEST ID", "APP", "USE CASE", "DIR", "SCORE", "BLOCKED", "TIME")
	b.WriteString(strings.Repeat("-", 126) + "\n")
	for _, e := range entries {
		blocked := ""
		if e.Blocked {
			blocked = "yes"
		}
		fmt.Fprintf(&b, "%-38s %-18s %-24s %-8s %5.2f %-7s %-20s\n",
			e.RequestID, e.App, e.UseCase, e.Direction, e.Score, blocked,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %8s %8s\n", "APP", "DAY", "COUNT", "BLOCKED")
	b.WriteString(strings.Repeat("-", 51) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-12s %8d %8d\n", s.App, s.Day, s.Count, s.Blocked)
	}
	return b.String()
}
