// Package safety scores request and response content for PHI exposure and
// unsafe content, and decides whether it may pass through the gateway.
package safety

import (
	"log/slog"
	"math"

	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/models"
)

// FlagLowMargin marks allowed content that scored below the warning threshold.
const FlagLowMargin = "low_safety_margin"

// Violation is one rule that matched.
type Violation struct {
	Flag     string
	Severity Severity
	PHI      bool
}

// Assessment is the raw scoring detail behind a verdict.
type Assessment struct {
	Violations     []Violation
	ContainsPHI    bool
	MedicalContext bool
	Score          float64
}

// Assess runs every rule over content and computes the score for a compliance level.
func Assess(content string, level models.ComplianceLevel) Assessment {
	strict := level == models.ComplianceStrict || level == models.ComplianceAudit
	var a Assessment

	for _, p := range phiPatterns {
		if !matches(p, content) {
			continue
		}
		a.ContainsPHI = true
		a.Violations = append(a.Violations, Violation{
			Flag:     phiFlag(p.name),
			Severity: phiSeverity(p.name, strict),
			PHI:      true,
		})
	}
	for _, r := range contentRules {
		if r.re.MatchString(content) {
			a.Violations = append(a.Violations, Violation{Flag: r.flag, Severity: r.severity})
		}
	}
	a.MedicalContext = medicalContext(content)

	score := 1.0
	for _, v := range a.Violations {
		score -= v.Severity.deduction()
	}
	if a.ContainsPHI && a.MedicalContext {
		score -= 0.2
	}
	if strict {
		if a.ContainsPHI {
			score -= 0.3
		}
		if len(a.Violations) > 0 {
			score -= 0.1
		}
	}
	// Six decimal places, so 1-0.2 compares equal to 0.8.
	a.Score = math.Round(math.Max(0, math.Min(1, score))*1e6) / 1e6
	return a
}

// flags returns the distinct violation flags in rule order.
func (a Assessment) flags() []string {
	out := make([]string, 0, len(a.Violations))
	seen := make(map[string]bool, len(a.Violations))
	for _, v := range a.Violations {
		if !seen[v.Flag] {
			seen[v.Flag] = true
			out = append(out, v.Flag)
		}
	}
	return out
}

func matches(p phiPattern, content string) bool {
	if p.valid == nil {
		return p.re.MatchString(content)
	}
	for _, m := range p.re.FindAllStringSubmatch(content, -1) {
		if p.valid(m) {
			return true
		}
	}
	return false
}

// Gate applies the score thresholds.
type Gate struct {
	cfg    config.SafetyConfig
	audit  map[models.UseCase]bool
	logger *slog.Logger
}

// New creates a Gate. A nil logger falls back to slog.Default().
func New(cfg config.SafetyConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		cfg:    cfg,
		audit:  make(map[models.UseCase]bool, len(cfg.AuditUseCases)),
		logger: logger.With("component", "safety"),
	}
	for _, u := range cfg.AuditUseCases {
		g.audit[u] = true
	}
	return g
}

// ScreenResponses reports whether model output should be screened too.
func (g *Gate) ScreenResponses() bool { return g.cfg.Enabled && g.cfg.ScreenResponses }

// AuditRequired reports whether a use case is always audited.
func (g *Gate) AuditRequired(u models.UseCase) bool { return g.audit[u] }

// Screen scores content. Scores below the minimum are blocked; scores below the
// warning threshold pass with FlagLowMargin.
func (g *Gate) Screen(content string, sc models.SafetyContext) models.SafetyVerdict {
	v := models.SafetyVerdict{Score: 1, Flags: []string{}, AuditRequired: g.audit[sc.UseCase]}
	if !g.cfg.Enabled {
		return v
	}

	level := sc.Compliance
	if level == "" {
		level = g.cfg.Compliance
	}
	if level == models.ComplianceNone {
		return v
	}

	a := Assess(content, level)
	v.Score = a.Score
	v.ContainsPHI = a.ContainsPHI

	// Content at or above the warning threshold passes without flags.
	switch {
	case v.Score < g.cfg.MinimumScore:
		v.Blocked = true
		v.AuditRequired = true
		v.Flags = a.flags()
		g.logger.Warn("content blocked",
			"app", sc.App, "use_case", sc.UseCase, "direction", sc.Direction,
			"score", v.Score, "flags", v.Flags)
	case v.Score < g.cfg.WarningThreshold:
		v.Warning = true
		v.AuditRequired = true
		v.Flags = append(a.flags(), FlagLowMargin)
		g.logger.Info("content flagged",
			"app", sc.App, "use_case", sc.UseCase, "direction", sc.Direction,
			"score", v.Score, "flags", v.Flags)
	}
	return v
}
