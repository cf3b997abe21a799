package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"AccessGate/internal/model"
)

// Countermeasure flag names consumed by the identity collaborator.
const (
	FlagRequireMFA     = "mfa_required"
	FlagAccountLocked  = "locked"
	FlagSessionRevoked = "session_revoked"
)

// Block durations applied by response actions.
const (
	blockIPDuration     = 1 * time.Hour
	blockIPLongDuration = 24 * time.Hour
	flagTTL             = 24 * time.Hour
)

// playbook maps a threat type to the ordered action list executed for
// its findings, after the rule-bound actions. Types not listed fall
// back to severity defaults.
var playbooks = map[model.ThreatType][]string{
	model.ThreatSQLInjection:  {ActionBlockIP, ActionNotifyAdmin, ActionRevokeSessions},
	model.ThreatXSS:           {ActionBlockIP, ActionNotifyAdmin},
	model.ThreatPathTraversal: {ActionBlockIP},
	model.ThreatScanner:       {ActionBlockIPLong},
	model.ThreatBruteForce:    {ActionTightenLimit, ActionRequireMFA, ActionLockAccount},
	model.ThreatExcessive404:  {ActionTightenLimit},
	model.ThreatOversizedBody: {},
}

// AutoResponseUseCase executes countermeasures for threat findings and
// escalates repeat offenders to permanent blocks. Every action runs
// individually isolated: a failed action is logged and the rest of the
// list still runs.
type AutoResponseUseCase struct {
	threats *ThreatUseCase
	limiter *RateLimitUseCase
	repo    ThreatRepo
	audit   AuditLogger
	alerts  AlertSink
	log     *log.Helper
}

// NewAutoResponseUseCase creates the auto-responder.
func NewAutoResponseUseCase(threats *ThreatUseCase, limiter *RateLimitUseCase, repo ThreatRepo, audit AuditLogger, alerts AlertSink, logger log.Logger) *AutoResponseUseCase {
	return &AutoResponseUseCase{
		threats: threats,
		limiter: limiter,
		repo:    repo,
		audit:   audit,
		alerts:  alerts,
		log:     log.NewHelper(logger),
	}
}

// Respond executes the countermeasures for one finding: the rule-bound
// actions, then the threat-type playbook, then occurrence-based
// secondary escalation. The finding's ActionsTaken list is filled in
// before it reaches the audit sink.
func (uc *AutoResponseUseCase) Respond(ctx context.Context, finding *model.ThreatFinding, principal *model.Principal) {
	seen := map[string]bool{}
	run := func(actions []string) {
		for _, action := range actions {
			if action == ActionReject || seen[action] {
				continue
			}
			seen[action] = true
			if uc.execute(ctx, action, finding, principal) {
				finding.ActionsTaken = append(finding.ActionsTaken, action)
			}
		}
	}

	run(uc.threats.RuleActions(finding.Rule))
	run(playbooks[finding.Type])

	uc.escalate(ctx, finding)

	uc.audit.ThreatDetected(finding)
	if finding.Severity == model.SeverityCritical || finding.Escalated {
		if err := uc.alerts.Publish(ctx, AlertKindCriticalThreat, finding); err != nil {
			uc.log.Warnf("Failed to publish threat alert for %s: %v", finding.IP, err)
		}
	}
}

// execute runs a single action under panic isolation, returning whether
// it took effect.
func (uc *AutoResponseUseCase) execute(ctx context.Context, action string, finding *model.ThreatFinding, principal *model.Principal) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			uc.log.Errorf("Response action %s panicked for %s: %v (action skipped)", action, finding.IP, r)
			ok = false
		}
	}()

	switch action {
	case ActionBlockIP:
		return uc.limiter.ApplyBlock(ctx, "ip:"+finding.IP, string(finding.Type)+" detected", blockIPDuration, false)

	case ActionBlockIPLong:
		return uc.limiter.ApplyBlock(ctx, "ip:"+finding.IP, string(finding.Type)+" detected", blockIPLongDuration, false)

	case ActionTightenLimit:
		// Tightening is expressed as violations: the escalation ladder
		// shortens the offender's path to a block.
		uc.limiter.Penalize(ctx, "ip:"+finding.IP, string(finding.Type)+" findings")
		return true

	case ActionRequireMFA:
		if principal.Anonymous() {
			return false
		}
		if err := uc.repo.SetFlag(ctx, FlagRequireMFA, principal.ID, flagTTL); err != nil {
			uc.log.Warnf("Failed to set MFA flag for %s: %v", principal.ID, err)
			return false
		}
		return true

	case ActionLockAccount:
		if principal.Anonymous() {
			return false
		}
		if err := uc.repo.SetFlag(ctx, FlagAccountLocked, principal.ID, flagTTL); err != nil {
			uc.log.Warnf("Failed to set lock flag for %s: %v", principal.ID, err)
			return false
		}
		return true

	case ActionRevokeSessions:
		if principal.Anonymous() {
			return false
		}
		if err := uc.repo.SetFlag(ctx, FlagSessionRevoked, principal.ID, flagTTL); err != nil {
			uc.log.Warnf("Failed to set session revocation flag for %s: %v", principal.ID, err)
			return false
		}
		return true

	case ActionNotifyAdmin:
		if err := uc.alerts.Publish(ctx, AlertKindCriticalThreat, finding); err != nil {
			uc.log.Warnf("Failed to notify for %s finding from %s: %v", finding.Type, finding.IP, err)
			return false
		}
		return true
	}

	uc.log.Warnf("Unknown response action %s for rule %s", action, finding.Rule)
	return false
}

// escalate applies the secondary occurrence-based escalation: once an
// IP accumulates enough findings of one type within the window, it is
// blocked permanently pending manual review.
func (uc *AutoResponseUseCase) escalate(ctx context.Context, finding *model.ThreatFinding) {
	count, err := uc.repo.IncrementOccurrence(ctx, finding.IP, finding.Type, uc.threats.OccurrenceWindow())
	if err != nil {
		uc.log.Warnf("Failed to count %s occurrences for %s: %v", finding.Type, finding.IP, err)
		return
	}
	if count < finding.Severity.EscalationThreshold() {
		return
	}

	finding.Escalated = true
	if uc.limiter.ApplyBlock(ctx, "ip:"+finding.IP, "repeated "+string(finding.Type)+" findings, pending manual review", 0, true) {
		finding.ActionsTaken = append(finding.ActionsTaken, "permanent_block")
		uc.log.Errorw(
			"msg", "Permanent block applied pending manual review",
			"ip", finding.IP,
			"threat_type", string(finding.Type),
			"occurrences", count,
		)
		if err := uc.alerts.Publish(ctx, AlertKindPermanentBlock, finding); err != nil {
			uc.log.Warnf("Failed to publish permanent block alert for %s: %v", finding.IP, err)
		}
	}
}
