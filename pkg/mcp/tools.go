package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ganger-platform/aigateway/pkg/models"
)

type appArgs struct {
	App string `json:"app"`
}

type safetyCheckArgs struct {
	Content    string `json:"content"`
	UseCase    string `json:"use_case"`
	Compliance string `json:"compliance"`
}

type auditSearchArgs struct {
	App         string `json:"app"`
	UseCase     string `json:"use_case"`
	RequestID   string `json:"request_id"`
	BlockedOnly bool   `json:"blocked_only"`
	Since       string `json:"since"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"aigw_usage":        handleUsage,
	"aigw_models":       handleModels,
	"aigw_safety_check": handleSafetyCheck,
	"aigw_cache_stats":  handleCacheStats,
	"aigw_audit_search": handleAuditSearch,
	"aigw_audit_stats":  handleAuditStats,
}

func str(desc string) Property { return Property{Type: "string", Description: desc} }

var complianceProp = Property{
	Type:        "string",
	Description: "Compliance level (optional)",
	Enum:        []string{"none", "standard", "strict", "audit"},
}

func noArgs() Schema { return Schema{Type: "object", Properties: map[string]Property{}} }

// allTools is the list returned by tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "aigw_usage",
		Description: "Show today's requests, cost and remaining budget for one app, or for the whole platform.",
		InputSchema: Schema{Type: "object", Properties: map[string]Property{
			"app": str("Application name (optional, omit for the platform total)"),
		}},
	},
	{
		Name:        "aigw_models",
		Description: "List the model catalog with cost, tier and rate limits.",
		InputSchema: noArgs(),
	},
	{
		Name:        "aigw_safety_check",
		Description: "Score content for PHI and unsafe patterns without sending it to a model.",
		InputSchema: Schema{
			Type:     "object",
			Required: []string{"content"},
			Properties: map[string]Property{
				"content":    str("The text to screen"),
				"use_case":   str("Use case the content belongs to (optional)"),
				"compliance": complianceProp,
			},
		},
	},
	{
		Name:        "aigw_cache_stats",
		Description: "Show response cache statistics (entries, hits, misses, hit rate).",
		InputSchema: noArgs(),
	},
	{
		Name:        "aigw_audit_search",
		Description: "Search the safety audit trail with optional filters.",
		InputSchema: Schema{Type: "object", Properties: map[string]Property{
			"app":          str("Filter by application (optional)"),
			"use_case":     str("Filter by use case (optional)"),
			"request_id":   str("Filter by request ID (optional)"),
			"blocked_only": {Type: "boolean", Description: "Only blocked content (optional)"},
			"since":        str("Start date in YYYY-MM-DD format (optional)"),
		}},
	},
	{
		Name:        "aigw_audit_stats",
		Description: "Show audit entry counts per app and day.",
		InputSchema: noArgs(),
	},
}

// decodeArgs accepts missing arguments as empty.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args appArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult(err.Error())
	}
	report, err := s.gateway.GetUsage(ctx, args.App)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	text := formatUsageReport(report)

	if s.tracker != nil {
		rows, err := s.tracker.Summary(ctx, args.App, models.WindowDay.Start(s.now()))
		if err != nil {
			return errorResult("Error fetching usage summary: " + err.Error())
		}
		text += "\n" + formatSummary(rows)
	}
	return textResult(text)
}

func handleModels(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatModels(s.gateway.Models()))
}

func handleSafetyCheck(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args safetyCheckArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult(err.Error())
	}
	if args.Content == "" {
		return errorResult("content is required")
	}
	v := s.gateway.CheckSafety(args.Content, models.SafetyContext{
		UseCase:    models.UseCase(args.UseCase),
		Compliance: models.ComplianceLevel(args.Compliance),
	})
	return textResult(formatVerdict(v))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := s.cache.Stats()
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult(err.Error())
	}

	opts := models.AuditQueryOpts{
		App:         args.App,
		UseCase:     models.UseCase(args.UseCase),
		RequestID:   args.RequestID,
		BlockedOnly: args.BlockedOnly,
		Limit:       50,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

func handleAuditStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	stats, err := s.auditor.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching audit stats: " + err.Error())
	}
	return textResult(formatAuditStats(stats))
}
