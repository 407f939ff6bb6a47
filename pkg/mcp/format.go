package mcp

import (
	"fmt"
	"strings"

	"github.com/ganger-platform/aigateway/pkg/models"
)

func formatUsageReport(r *models.UsageReport) string {
	var b strings.Builder
	name := r.App
	if name == "" {
		name = "platform"
	}
	fmt.Fprintf(&b, "Usage today: %s\n", name)
	fmt.Fprintf(&b, "  Requests:  %d\n", r.Requests)
	fmt.Fprintf(&b, "  Cost:      $%.4f of $%.2f\n", r.Cost, r.Budget)
	fmt.Fprintf(&b, "  Remaining: $%.4f\n", r.RemainingBudget)
	fmt.Fprintf(&b, "  Status:    %s\n", r.Status)
	if len(r.TopModels) > 0 {
		b.WriteString("  Top models:\n")
		for _, m := range r.TopModels {
			fmt.Fprintf(&b, "    %-34s %6d\n", m.Model, m.Count)
		}
	}
	return b.String()
}

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage events found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-34s %8s %8s %10s %10s\n",
		"App", "Model", "Requests", "Failures", "Tokens", "Cost")
	b.WriteString(strings.Repeat("-", 95) + "\n")
	for _, r := range rows {
		model := r.Model
		if model == "" {
			model = "(none)"
		}
		fmt.Fprintf(&b, "%-20s %-34s %8d %8d %10d %10.4f\n",
			r.App, model, r.RequestCount, r.Failures, r.TotalTokens, r.TotalCost)
	}
	return b.String()
}

func formatModels(list []models.ModelDescriptor) string {
	if len(list) == 0 {
		return "No models configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-34s %4s %6s %12s %6s %6s %8s\n",
		"Model", "Tier", "HIPAA", "$/token", "RPM", "RPH", "$/day")
	b.WriteString(strings.Repeat("-", 84) + "\n")
	for _, m := range list {
		hipaa := "no"
		if m.HIPAACompliant {
			hipaa = "yes"
		}
		fmt.Fprintf(&b, "%-34s %4d %6s %12.6f %6d %6d %8.2f\n",
			m.ID, m.Tier, hipaa, m.CostPerToken,
			m.RateLimit.RequestsPerMinute, m.RateLimit.RequestsPerHour, m.RateLimit.DailyBudget)
	}
	return b.String()
}

func formatVerdict(v models.SafetyVerdict) string {
	var b strings.Builder
	verdict := "allowed"
	switch {
	case v.Blocked:
		verdict = "BLOCKED"
	case v.Warning:
		verdict = "allowed with warnings"
	}
	fmt.Fprintf(&b, "Safety check: %s\n", verdict)
	fmt.Fprintf(&b, "  Score:        %.2f\n", v.Score)
	fmt.Fprintf(&b, "  Contains PHI: %t\n", v.ContainsPHI)
	if len(v.Flags) > 0 {
		fmt.Fprintf(&b, "  Flags:        %s\n", strings.Join(v.Flags, ", "))
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-18s %-22s %-8s %5s %-7s %-20s\n",
		"Request ID", "App", "Use Case", "Dir", "Score", "Blocked", "Time")
	b.WriteString(strings.Repeat("-", 124) + "\n")
	for _, e := range entries {
		blocked := ""
		if e.Blocked {
			blocked = "yes"
		}
		fmt.Fprintf(&b, "%-38s %-18s %-22s %-8s %5.2f %-7s %-20s\n",
			e.RequestID, e.App, e.UseCase, e.Direction, e.Score, blocked,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
		if len(e.Flags) > 0 {
			fmt.Fprintf(&b, "    flags: %s\n", strings.Join(e.Flags, ", "))
		}
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %8s %8s\n", "App", "Day", "Entries", "Blocked")
	b.WriteString(strings.Repeat("-", 51) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-12s %8d %8d\n", s.App, s.Day, s.Count, s.Blocked)
	}
	return b.String()
}
