package safety

import (
	"regexp"
	"strings"
)

// Severity ranks a violation; each level carries a fixed score deduction.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) deduction() float64 {
	switch s {
	case SeverityCritical:
		return 0.4
	case SeverityHigh:
		return 0.3
	case SeverityMedium:
		return 0.2
	case SeverityLow:
		return 0.1
	}
	return 0
}

type phiPattern struct {
	name string
	re   *regexp.Regexp
	// valid filters raw matches; nil accepts every match.
	valid func(match []string) bool
}

// HIPAA Safe Harbor identifiers, checked in this order.
var phiPatterns = []phiPattern{
	{name: "names", re: regexp.MustCompile(`(?i)\b(?:mr|mrs|ms|dr|doctor|patient|client)\s+[a-z]{2,}\b`)},
	{name: "addresses", re: regexp.MustCompile(`(?i)\b\d+\s+[a-z\s]+(?:street|st|avenue|ave|road|rd|lane|ln|drive|dr|court|ct|boulevard|blvd)\b`)},
	{name: "dates", re: regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12]\d|3[01])[-/](?:19|20)\d{2}\b`)},
	{name: "specificDates", re: regexp.MustCompile(`(?i)\b(?:birth|born|dob|date of birth|admission|discharge|appointment)\s*:?\s*(?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12]\d|3[01])[-/](?:19|20)?\d{2,4}\b`)},
	{name: "phone", re: regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?([0-9]{3})\)?[-.\s]?([0-9]{3})[-.\s]?([0-9]{4})\b`)},
	{name: "fax", re: regexp.MustCompile(`(?i)\bfax\s*:?\s*(?:\+?1[-.\s]?)?\(?([0-9]{3})\)?[-.\s]?([0-9]{3})[-.\s]?([0-9]{4})\b`)},
	{name: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{name: "ssn", re: regexp.MustCompile(`\b(\d{3})[-.]?(\d{2})[-.]?(\d{4})\b`), valid: validSSN},
	{name: "mrn", re: regexp.MustCompile(`(?i)\b(?:mrn|medical record|patient id|chart number)\s*:?\s*[a-z0-9]+\b`)},
	{name: "healthPlan", re: regexp.MustCompile(`(?i)\b(?:policy|member|beneficiary|subscriber)\s*(?:number|id|#)\s*:?\s*[a-z0-9]+\b`)},
	{name: "accountNumbers", re: regexp.MustCompile(`(?i)\b(?:account|acct)\s*(?:number|#)\s*:?\s*[a-z0-9]+\b`)},
	{name: "certificates", re: regexp.MustCompile(`(?i)\b(?:license|certificate|permit)\s*(?:number|#)\s*:?\s*[a-z0-9]+\b`)},
	{name: "vehicles", re: regexp.MustCompile(`(?i)\b(?:license plate|vin|vehicle identification)\s*:?\s*[a-z0-9]+\b`)},
	{name: "devices", re: regexp.MustCompile(`(?i)\b(?:device|serial)\s*(?:number|#|id)\s*:?\s*[a-z0-9]+\b`)},
	{name: "urls", re: regexp.MustCompile(`(?i)\bhttps?://[a-z0-9.-]+\.[a-z]{2,}(?:/\S*)?\b`)},
	{name: "ipAddresses", re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)},
	{name: "biometric", re: regexp.MustCompile(`(?i)\b(?:fingerprint|voiceprint|retina|iris|biometric)\s*(?:scan|data|id|identifier)\b`)},
	{name: "photos", re: regexp.MustCompile(`(?i)\b(?:photo|photograph|image|picture)\s*(?:of|showing)\s*(?:face|patient|individual)\b`)},
}

// validSSN rejects numbers the SSA never issues.
func validSSN(m []string) bool {
	area, group, serial := m[1], m[2], m[3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// phiSeverity grades a PHI type; strict scoring raises everything one notch.
func phiSeverity(name string, strict bool) Severity {
	switch name {
	case "ssn", "email", "phone", "addresses":
		if strict {
			return SeverityCritical
		}
		return SeverityHigh
	case "names", "dates", "mrn", "healthPlan":
		if strict {
			return SeverityHigh
		}
		return SeverityMedium
	}
	if strict {
		return SeverityHigh
	}
	return SeverityLow
}

type contentRule struct {
	flag     string
	severity Severity
	re       *regexp.Regexp
}

var contentRules = []contentRule{
	{flag: "inappropriate:profanity", severity: SeverityLow, re: regexp.MustCompile(`(?i)\b(?:damn|hell|crap)\b`)},
	{flag: "inappropriate:profanity", severity: SeverityMedium, re: regexp.MustCompile(`(?i)\b(?:fuck|shit|asshole|bitch)\b`)},
	{flag: "inappropriate:discriminatory", severity: SeverityHigh, re: regexp.MustCompile(`(?i)\b(?:race|ethnicity|religion|gender|sexual orientation)\s+(?:based|discrimination)\b`)},
	{flag: "security:sql_injection", severity: SeverityCritical, re: regexp.MustCompile(`(?i)\b(?:SELECT|INSERT|UPDATE|DELETE|DROP|UNION)\s+`)},
	{flag: "security:sql_injection", severity: SeverityCritical, re: regexp.MustCompile(`(?i)\b(?:OR|AND)\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`)},
	{flag: "security:script_injection", severity: SeverityCritical, re: regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)},
	{flag: "security:script_injection", severity: SeverityCritical, re: regexp.MustCompile(`(?i)javascript:`)},
	{flag: "security:script_injection", severity: SeverityCritical, re: regexp.MustCompile(`(?i)on\w+\s*=`)},
}

var medicalKeywords = compileKeywords(
	"patient", "diagnosis", "treatment", "medication", "prescription", "surgery",
	"clinic", "hospital", "doctor", "physician", "nurse", "medical", "health",
	"condition", "symptom", "procedure", "appointment", "visit", "consultation",
	"test", "lab", "result", "chart", "record", "history", "allergy", "insurance",
)

func compileKeywords(words ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		out[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return out
}

// medicalContext reports whether at least two distinct medical keywords appear.
func medicalContext(content string) bool {
	n := 0
	for _, re := range medicalKeywords {
		if re.MatchString(content) {
			n++
			if n >= 2 {
				return true
			}
		}
	}
	return false
}

// phiFlag turns a pattern name into a stable flag, e.g. "healthPlan" -> "phi:health_plan".
func phiFlag(name string) string {
	var b strings.Builder
	b.WriteString("phi:")
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
