package model

import "time"

// Severity classifies how dangerous a threat finding is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for comparison (higher is worse).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// EscalationThreshold returns how many occurrences of a threat type from
// one IP within the occurrence window trigger secondary escalation.
func (s Severity) EscalationThreshold() int64 {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 5
	default:
		return 10
	}
}

// ThreatType identifies the category of a detected threat.
type ThreatType string

const (
	ThreatSQLInjection  ThreatType = "SQL_INJECTION"
	ThreatXSS           ThreatType = "XSS"
	ThreatPathTraversal ThreatType = "PATH_TRAVERSAL"
	ThreatScanner       ThreatType = "SCANNER"
	ThreatBruteForce    ThreatType = "BRUTE_FORCE"
	ThreatExcessive404  ThreatType = "EXCESSIVE_404"
	ThreatOversizedBody ThreatType = "OVERSIZED_BODY"
)

// ThreatFinding is one detected anomalous or malicious signal.
// Findings are immutable once produced; ActionsTaken is filled in by the
// auto-responder before the finding is handed to the audit/alert sinks.
type ThreatFinding struct {
	Rule         string     `json:"rule"`
	Type         ThreatType `json:"type"`
	Severity     Severity   `json:"severity"`
	IP           string     `json:"ip"`
	Path         string     `json:"path"`
	RequestID    string     `json:"request_id"`
	Detail       string     `json:"detail"`
	DetectedAt   time.Time  `json:"detected_at"`
	ActionsTaken []string   `json:"actions_taken"`
	Escalated    bool       `json:"escalated"`
}
