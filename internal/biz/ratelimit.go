package biz

import (
	"context"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"AccessGate/internal/conf"
	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

// RateLimitRepo is the shared-store contract for window counters,
// violation counters and blocks. SetBlock must be escalate-only: an
// existing block is never shortened and a permanent block is never
// replaced.
type RateLimitRepo interface {
	IncrementWindow(ctx context.Context, identifier, class string, window model.Window) (int64, error)
	WindowTTL(ctx context.Context, identifier, class string, window model.Window) (time.Duration, error)
	IncrementViolations(ctx context.Context, identifier string, window time.Duration) (int64, error)
	GetBlock(ctx context.Context, identifier string) (*model.BlockEntry, error)
	SetBlock(ctx context.Context, entry *model.BlockEntry) (bool, error)
	ClearBlock(ctx context.Context, identifier string) (bool, error)
	ScanBlocks(ctx context.Context) ([]*model.BlockEntry, error)
}

// loginClass is the counter class for the stricter IP-keyed
// authentication family.
const loginClass = "login"

// RateLimitUseCase enforces sustained-volume ceilings per identifier
// across minute, hour and day windows, and escalates repeat violators
// into temporary blocks of increasing duration.
type RateLimitUseCase struct {
	repo    RateLimitRepo
	conf    *conf.Limits
	audit   AuditLogger
	metrics MetricsRecorder
	log     *log.Helper
}

// NewRateLimitUseCase creates the rate limiter use case.
func NewRateLimitUseCase(repo RateLimitRepo, c *conf.Bootstrap, audit AuditLogger, metrics MetricsRecorder, logger log.Logger) *RateLimitUseCase {
	uc := &RateLimitUseCase{
		repo:    repo,
		audit:   audit,
		metrics: metrics,
		log:     log.NewHelper(logger),
	}
	if c.Gateway != nil {
		uc.conf = c.Gateway.Limits
	}
	return uc
}

// IdentifierFor returns the counting key for a request: the principal
// ID when authenticated, otherwise the client IP.
func IdentifierFor(principal *model.Principal, req *model.RequestInfo) string {
	if !principal.Anonymous() {
		return principal.ID
	}
	return "ip:" + req.IP
}

// IsLoginPath reports whether the path belongs to the authentication
// endpoint family.
func (uc *RateLimitUseCase) IsLoginPath(path string) bool {
	if uc.conf == nil || uc.conf.Login == nil {
		return false
	}
	for _, prefix := range uc.conf.Login.Paths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ceilings returns the per-window ceilings for a principal tier,
// divided by the endpoint class weight.
func (uc *RateLimitUseCase) ceilings(tier model.Tier, class string) map[model.Window]int64 {
	var wc *conf.WindowCeilings
	if uc.conf != nil {
		if t, ok := uc.conf.Tiers[string(tier)]; ok && t != nil {
			wc = t
		} else {
			wc = uc.conf.DefaultTier
		}
	}
	if wc == nil {
		wc = &conf.WindowCeilings{PerMinute: 60, PerHour: 1000, PerDay: 10000}
	}

	weight := int64(1)
	if uc.conf != nil {
		if w, ok := uc.conf.EndpointWeights[class]; ok && w > 0 {
			weight = int64(w)
		}
	}

	divide := func(v int64) int64 {
		if v <= 0 {
			return 0
		}
		if ceil := v / weight; ceil > 0 {
			return ceil
		}
		return 1
	}
	return map[model.Window]int64{
		model.WindowMinute: divide(wc.PerMinute),
		model.WindowHour:   divide(wc.PerHour),
		model.WindowDay:    divide(wc.PerDay),
	}
}

// CheckBlock reports whether the identifier carries an active block.
// Store errors fail open.
func (uc *RateLimitUseCase) CheckBlock(ctx context.Context, identifier string) *model.BlockEntry {
	entry, err := uc.repo.GetBlock(ctx, identifier)
	if err != nil {
		if pkgerrors.IsUnavailable(err) {
			uc.log.Warnf("Counter store unavailable for block check on %s (request allowed)", identifier)
		} else {
			uc.log.Errorf("Block check failed for %s: %v (request allowed)", identifier, err)
		}
		uc.metrics.FailOpen("block_check")
		return nil
	}
	if entry != nil && entry.Active(time.Now()) {
		return entry
	}
	return nil
}

// CheckLimit increments every configured window for the identifier and
// returns the admission decision plus the per-window usage for response
// headers. Every window is incremented before the verdict so that a
// minute-window denial still counts against the hour and day windows.
func (uc *RateLimitUseCase) CheckLimit(ctx context.Context, req *model.RequestInfo, principal *model.Principal, class string) (model.AdmissionDecision, *model.LimitInfo) {
	if uc.IsLoginPath(req.Path) {
		return uc.checkLoginLimit(ctx, req)
	}

	identifier := IdentifierFor(principal, req)
	tier := model.TierAnonymous
	if !principal.Anonymous() {
		tier = principal.Tier
	}
	limits := uc.ceilings(tier, class)

	info := &model.LimitInfo{}
	var exceeded *model.WindowUsage

	for _, window := range model.Windows {
		limit := limits[window]
		if limit <= 0 {
			continue
		}
		count, err := uc.repo.IncrementWindow(ctx, identifier, class, window)
		if err != nil {
			uc.log.Warnf("Counter store unavailable for %s window on %s (request allowed)", window, identifier)
			uc.metrics.FailOpen("rate_limit")
			continue
		}
		resetIn, terr := uc.repo.WindowTTL(ctx, identifier, class, window)
		if terr != nil {
			resetIn = window.Duration()
		}
		usage := model.WindowUsage{Window: window, Current: count, Limit: limit, ResetIn: resetIn}
		info.Usages = append(info.Usages, usage)
		if count > limit && exceeded == nil {
			exceeded = &info.Usages[len(info.Usages)-1]
		}
	}

	if exceeded == nil {
		return model.Allowed(), info
	}

	uc.log.Warnw(
		"msg", "Rate limit exceeded",
		"identifier", identifier,
		"class", class,
		"window", string(exceeded.Window),
		"count", exceeded.Current,
		"limit", exceeded.Limit,
	)
	uc.recordViolation(ctx, identifier, uc.escalation(), "repeated rate limit violations")

	return model.AdmissionDecision{
		Allow:      false,
		HTTPStatus: 429,
		RetryAfter: exceeded.ResetIn,
		Reason:     model.ReasonRateLimited,
	}, info
}

// checkLoginLimit applies the stricter IP-keyed counter family for
// authentication endpoints. Counting by IP means attackers rotating
// usernames still hit one ceiling.
func (uc *RateLimitUseCase) checkLoginLimit(ctx context.Context, req *model.RequestInfo) (model.AdmissionDecision, *model.LimitInfo) {
	identifier := "ip:" + req.IP

	login := uc.conf.Login
	limits := map[model.Window]int64{
		model.WindowMinute: login.PerMinute,
		model.WindowHour:   login.PerHour,
	}

	info := &model.LimitInfo{}
	var exceeded *model.WindowUsage

	for _, window := range []model.Window{model.WindowMinute, model.WindowHour} {
		limit := limits[window]
		if limit <= 0 {
			continue
		}
		count, err := uc.repo.IncrementWindow(ctx, identifier, loginClass, window)
		if err != nil {
			uc.log.Warnf("Counter store unavailable for login %s window on %s (request allowed)", window, identifier)
			uc.metrics.FailOpen("rate_limit")
			continue
		}
		resetIn, terr := uc.repo.WindowTTL(ctx, identifier, loginClass, window)
		if terr != nil {
			resetIn = window.Duration()
		}
		usage := model.WindowUsage{Window: window, Current: count, Limit: limit, ResetIn: resetIn}
		info.Usages = append(info.Usages, usage)
		if count > limit && exceeded == nil {
			exceeded = &info.Usages[len(info.Usages)-1]
		}
	}

	if exceeded == nil {
		return model.Allowed(), info
	}

	uc.log.Warnw(
		"msg", "Login rate limit exceeded",
		"identifier", identifier,
		"window", string(exceeded.Window),
		"count", exceeded.Current,
		"limit", exceeded.Limit,
	)
	uc.recordViolation(ctx, identifier, uc.loginEscalation(), "repeated authentication failures")

	return model.AdmissionDecision{
		Allow:      false,
		HTTPStatus: 429,
		RetryAfter: exceeded.ResetIn,
		Reason:     model.ReasonRateLimited,
	}, info
}

func (uc *RateLimitUseCase) escalation() *conf.Escalation {
	if uc.conf != nil {
		return uc.conf.Escalation
	}
	return nil
}

func (uc *RateLimitUseCase) loginEscalation() *conf.Escalation {
	if uc.conf != nil && uc.conf.LoginEscalation != nil {
		return uc.conf.LoginEscalation
	}
	return uc.escalation()
}

// recordViolation bumps the identifier's violation counter and applies
// the block step the new count reaches, if any.
func (uc *RateLimitUseCase) recordViolation(ctx context.Context, identifier string, esc *conf.Escalation, reason string) {
	if esc == nil || len(esc.Steps) == 0 {
		return
	}

	window := time.Hour
	if esc.ViolationWindow != nil {
		window = esc.ViolationWindow.AsDuration()
	}

	count, err := uc.repo.IncrementViolations(ctx, identifier, window)
	if err != nil {
		uc.log.Warnf("Failed to record violation for %s: %v", identifier, err)
		return
	}

	// Steps are sorted ascending; pick the highest step reached.
	var step *conf.EscalationStep
	for _, s := range esc.Steps {
		if count >= int64(s.Violations) {
			step = s
		}
	}
	if step == nil || step.BlockFor == nil {
		return
	}

	uc.ApplyBlock(ctx, identifier, reason, step.BlockFor.AsDuration(), false)
}

// Penalize counts a violation against the identifier without a window
// breach, advancing it along the escalation ladder. Used by response
// actions that tighten limits for an offender.
func (uc *RateLimitUseCase) Penalize(ctx context.Context, identifier, reason string) {
	uc.recordViolation(ctx, identifier, uc.escalation(), reason)
}

// ApplyBlock writes a block for the identifier with escalate-only
// semantics and emits the audit event when the block was actually
// raised or extended.
func (uc *RateLimitUseCase) ApplyBlock(ctx context.Context, identifier, reason string, duration time.Duration, permanent bool) bool {
	entry := &model.BlockEntry{
		Identifier: identifier,
		Reason:     reason,
		Permanent:  permanent,
	}
	if !permanent {
		entry.ExpiresAt = time.Now().Add(duration).UTC()
	}

	written, err := uc.repo.SetBlock(ctx, entry)
	if err != nil {
		uc.log.Errorf("Failed to apply block for %s: %v", identifier, err)
		return false
	}
	if !written {
		return false
	}

	uc.audit.BlockApplied(&model.BlockEvent{
		Identifier: identifier,
		Reason:     reason,
		Duration:   duration,
		Permanent:  permanent,
	})
	return true
}

// ClearBlock removes a block immediately, for the ops endpoint.
func (uc *RateLimitUseCase) ClearBlock(ctx context.Context, identifier, actor string) (bool, error) {
	removed, err := uc.repo.ClearBlock(ctx, identifier)
	if err != nil {
		return false, err
	}
	if removed {
		uc.audit.BlockCleared(identifier, actor)
	}
	return removed, nil
}

// ActiveBlocks lists every block currently in force, for the census
// sweep and the ops listing.
func (uc *RateLimitUseCase) ActiveBlocks(ctx context.Context) ([]*model.BlockEntry, error) {
	return uc.repo.ScanBlocks(ctx)
}
