package models

// ComplianceLevel selects how strictly content is scored.
type ComplianceLevel string

const (
	ComplianceNone     ComplianceLevel = "none"
	ComplianceStandard ComplianceLevel = "standard"
	ComplianceStrict   ComplianceLevel = "strict"
	ComplianceAudit    ComplianceLevel = "audit"
)

// SafetyContext describes where screened content comes from.
type SafetyContext struct {
	App        string          `json:"app,omitempty"`
	UseCase    UseCase         `json:"use_case,omitempty"`
	Compliance ComplianceLevel `json:"compliance,omitempty"`
	// Direction is "request" or "response".
	Direction string `json:"direction,omitempty"`
}

// SafetyVerdict is the result of screening a piece of content.
type SafetyVerdict struct {
	Score         float64  `json:"score"`
	Blocked       bool     `json:"blocked"`
	Flags         []string `json:"flags"`
	ContainsPHI   bool     `json:"contains_phi"`
	Warning       bool     `json:"warning,omitempty"`
	AuditRequired bool     `json:"audit_required,omitempty"`
}
