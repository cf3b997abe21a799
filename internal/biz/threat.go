package biz

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"AccessGate/internal/conf"
	"AccessGate/internal/model"
)

// ThreatRepo is the shared-store contract for threat signal counters
// and countermeasure flags.
type ThreatRepo interface {
	IncrementNotFound(ctx context.Context, ip string, window time.Duration) (int64, error)
	IncrementOccurrence(ctx context.Context, ip string, threatType model.ThreatType, window time.Duration) (int64, error)
	SetFlag(ctx context.Context, name, identifier string, ttl time.Duration) error
	HasFlag(ctx context.Context, name, identifier string) (bool, error)
}

// Response action names executed by the auto-responder.
const (
	ActionBlockIP        = "block_ip"
	ActionBlockIPLong    = "block_ip_long"
	ActionReject         = "reject"
	ActionTightenLimit   = "tighten_rate_limit"
	ActionRequireMFA     = "require_mfa"
	ActionLockAccount    = "lock_account"
	ActionNotifyAdmin    = "notify_admin"
	ActionRevokeSessions = "revoke_sessions"
)

// Rule is one threat detection rule. Condition inspects the request and
// returns whether it matched plus a human-readable detail; Actions are
// the rule-bound countermeasures executed on match, before the
// severity playbook runs.
type Rule struct {
	Name      string
	Type      model.ThreatType
	Severity  model.Severity
	Condition func(req *model.RequestInfo) (bool, string)
	Actions   []string
}

// RuleEvaluationError records a rule whose condition panicked or
// failed. Captured in the evaluation result, never propagated: one
// broken rule must not disable the engine.
type RuleEvaluationError struct {
	Rule string
	Err  error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s evaluation failed: %v", e.Rule, e.Err)
}

// ThreatEvaluation is the outcome of running all rules over a request.
type ThreatEvaluation struct {
	Findings []*model.ThreatFinding
	Errors   []*RuleEvaluationError
	// Reject is set when any matched rule carries the reject action.
	Reject bool
}

// Injection signatures matched against the URL, query string and the
// leading bytes of the body. Matching is case-insensitive on the
// lowered input.
var (
	sqlInjectionPattern  = regexp.MustCompile(`(?i)(\bunion\b[\s/*]+\bselect\b|\bselect\b[\s/*]+.{0,40}\bfrom\b|\binsert\b\s+\binto\b|\bdrop\b\s+\btable\b|\bor\b\s+\d+\s*=\s*\d+|'\s*or\s*'[^']*'\s*=\s*'|sleep\s*\(\s*\d+\s*\)|benchmark\s*\(|;\s*--|'\s*--)`)
	xssPattern           = regexp.MustCompile(`(?i)(<script[\s>]|javascript\s*:|\bon(?:error|load|click|mouseover)\s*=|<iframe[\s>]|document\.(?:cookie|location)|eval\s*\()`)
	pathTraversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%252e%252e)`)
)

// ThreatUseCase evaluates every request against a fixed rule list and
// produces typed findings for the auto-responder.
type ThreatUseCase struct {
	repo    ThreatRepo
	conf    *conf.Threat
	metrics MetricsRecorder
	rules   []*Rule
	log     *log.Helper
}

// NewThreatUseCase creates the threat detection engine with the
// built-in rule set.
func NewThreatUseCase(repo ThreatRepo, c *conf.Bootstrap, metrics MetricsRecorder, logger log.Logger) *ThreatUseCase {
	uc := &ThreatUseCase{
		repo:    repo,
		metrics: metrics,
		log:     log.NewHelper(logger),
	}
	if c.Gateway != nil {
		uc.conf = c.Gateway.Threat
	}
	uc.rules = uc.builtinRules()
	return uc
}

// inspectable joins the request surfaces that injection signatures scan.
func inspectable(req *model.RequestInfo) string {
	return req.Path + "?" + req.Query + "\n" + req.BodySample
}

func (uc *ThreatUseCase) builtinRules() []*Rule {
	rules := []*Rule{
		{
			Name:     "sql_injection_signature",
			Type:     model.ThreatSQLInjection,
			Severity: model.SeverityCritical,
			Condition: func(req *model.RequestInfo) (bool, string) {
				if m := sqlInjectionPattern.FindString(inspectable(req)); m != "" {
					return true, "SQL injection signature: " + m
				}
				return false, ""
			},
			Actions: []string{ActionReject, ActionBlockIP, ActionNotifyAdmin, ActionRevokeSessions},
		},
		{
			Name:     "xss_signature",
			Type:     model.ThreatXSS,
			Severity: model.SeverityHigh,
			Condition: func(req *model.RequestInfo) (bool, string) {
				if m := xssPattern.FindString(inspectable(req)); m != "" {
					return true, "XSS signature: " + m
				}
				return false, ""
			},
			Actions: []string{ActionReject, ActionBlockIP},
		},
		{
			Name:     "path_traversal_signature",
			Type:     model.ThreatPathTraversal,
			Severity: model.SeverityHigh,
			Condition: func(req *model.RequestInfo) (bool, string) {
				if m := pathTraversalPattern.FindString(req.Path + "?" + req.Query); m != "" {
					return true, "Path traversal sequence: " + m
				}
				return false, ""
			},
			Actions: []string{ActionReject, ActionBlockIP},
		},
		{
			Name:     "scanner_user_agent",
			Type:     model.ThreatScanner,
			Severity: model.SeverityMedium,
			Condition: func(req *model.RequestInfo) (bool, string) {
				agent := strings.ToLower(req.UserAgent)
				if agent == "" {
					return false, ""
				}
				for _, marker := range uc.scannerAgents() {
					if strings.Contains(agent, marker) {
						return true, "Scanner user agent: " + marker
					}
				}
				return false, ""
			},
			// Scanners get a long block: they only come back.
			Actions: []string{ActionReject, ActionBlockIPLong},
		},
		{
			Name:     "oversized_body",
			Type:     model.ThreatOversizedBody,
			Severity: model.SeverityMedium,
			Condition: func(req *model.RequestInfo) (bool, string) {
				max := uc.maxBodyBytes()
				if max > 0 && req.BodySize > max {
					return true, fmt.Sprintf("Body of %d bytes exceeds limit of %d", req.BodySize, max)
				}
				return false, ""
			},
			Actions: []string{ActionReject},
		},
	}
	return rules
}

func (uc *ThreatUseCase) scannerAgents() []string {
	if uc.conf != nil && len(uc.conf.ScannerAgents) > 0 {
		return uc.conf.ScannerAgents
	}
	return []string{"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster", "wpscan", "acunetix"}
}

func (uc *ThreatUseCase) maxBodyBytes() int64 {
	if uc.conf != nil && uc.conf.MaxBodyBytes > 0 {
		return uc.conf.MaxBodyBytes
	}
	return 10 << 20
}

// OccurrenceWindow is the rolling window for per-(IP, type) occurrence
// counting used by secondary escalation.
func (uc *ThreatUseCase) OccurrenceWindow() time.Duration {
	if uc.conf != nil && uc.conf.OccurrenceWindow != nil {
		return uc.conf.OccurrenceWindow.AsDuration()
	}
	return time.Hour
}

// Evaluate runs every rule against the request. A rule that panics is
// recorded as a RuleEvaluationError and skipped; the remaining rules
// still run.
func (uc *ThreatUseCase) Evaluate(ctx context.Context, req *model.RequestInfo) *ThreatEvaluation {
	result := &ThreatEvaluation{}

	for _, rule := range uc.rules {
		matched, detail := uc.evaluateRule(rule, req, result)
		if !matched {
			continue
		}

		finding := &model.ThreatFinding{
			Rule:       rule.Name,
			Type:       rule.Type,
			Severity:   rule.Severity,
			IP:         req.IP,
			Path:       req.Path,
			RequestID:  req.RequestID,
			Detail:     detail,
			DetectedAt: time.Now().UTC(),
		}
		result.Findings = append(result.Findings, finding)
		uc.metrics.ThreatFinding(rule.Type, rule.Severity)

		for _, action := range rule.Actions {
			if action == ActionReject {
				result.Reject = true
			}
		}
	}

	return result
}

// evaluateRule runs one rule condition under panic isolation.
func (uc *ThreatUseCase) evaluateRule(rule *Rule, req *model.RequestInfo, result *ThreatEvaluation) (matched bool, detail string) {
	defer func() {
		if r := recover(); r != nil {
			err := &RuleEvaluationError{Rule: rule.Name, Err: fmt.Errorf("panic: %v", r)}
			result.Errors = append(result.Errors, err)
			uc.log.Errorf("Threat rule %s panicked: %v (rule skipped)", rule.Name, r)
			matched = false
		}
	}()
	return rule.Condition(req)
}

// RuleActions returns the rule-bound action list for a finding's rule.
func (uc *ThreatUseCase) RuleActions(ruleName string) []string {
	for _, rule := range uc.rules {
		if rule.Name == ruleName {
			return rule.Actions
		}
	}
	return nil
}

// ObserveNotFound records a 404 response for an IP and returns a
// finding once the enumeration threshold is crossed within the window.
// Called post-response by the transport layer.
func (uc *ThreatUseCase) ObserveNotFound(ctx context.Context, req *model.RequestInfo) *model.ThreatFinding {
	threshold := int64(30)
	window := 10 * time.Minute
	if uc.conf != nil {
		if uc.conf.NotFoundThreshold > 0 {
			threshold = uc.conf.NotFoundThreshold
		}
		if uc.conf.NotFoundWindow != nil {
			window = uc.conf.NotFoundWindow.AsDuration()
		}
	}

	count, err := uc.repo.IncrementNotFound(ctx, req.IP, window)
	if err != nil {
		uc.log.Warnf("Failed to count 404 for %s: %v", req.IP, err)
		return nil
	}
	if count != threshold {
		// Emit one finding per window, at the crossing.
		return nil
	}

	finding := &model.ThreatFinding{
		Rule:       "excessive_not_found",
		Type:       model.ThreatExcessive404,
		Severity:   model.SeverityLow,
		IP:         req.IP,
		Path:       req.Path,
		RequestID:  req.RequestID,
		Detail:     fmt.Sprintf("%d not-found responses within %s", count, window),
		DetectedAt: time.Now().UTC(),
	}
	uc.metrics.ThreatFinding(finding.Type, finding.Severity)
	return finding
}

// BruteForceFinding builds the finding emitted when the authentication
// counter family rejects an IP.
func (uc *ThreatUseCase) BruteForceFinding(req *model.RequestInfo) *model.ThreatFinding {
	finding := &model.ThreatFinding{
		Rule:       "auth_brute_force",
		Type:       model.ThreatBruteForce,
		Severity:   model.SeverityHigh,
		IP:         req.IP,
		Path:       req.Path,
		RequestID:  req.RequestID,
		Detail:     "authentication volume ceiling exceeded",
		DetectedAt: time.Now().UTC(),
	}
	uc.metrics.ThreatFinding(finding.Type, finding.Severity)
	return finding
}
