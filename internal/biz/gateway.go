package biz

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"AccessGate/internal/conf"
	"AccessGate/internal/model"
)

// usageQueueSize bounds the in-flight usage event backlog. Events are
// dropped when the queue is full; usage accounting is advisory.
const usageQueueSize = 1024

// GatewayUseCase composes the admission pipeline: kill switch, block
// check, throttler, rate limiter, threat engine and auto-response.
// Evaluate returns explicit decisions; denial is never an error.
type GatewayUseCase struct {
	conf      *conf.Gateway
	throttler *ThrottleUseCase
	limiter   *RateLimitUseCase
	threats   *ThreatUseCase
	responder *AutoResponseUseCase
	metrics   MetricsRecorder
	alerts    AlertSink
	usage     chan *model.UsageEvent
	done      chan struct{}
	log       *log.Helper
}

// NewGatewayUseCase creates the admission gateway use case. The
// returned cleanup stops the usage drain goroutine.
func NewGatewayUseCase(
	c *conf.Bootstrap,
	throttler *ThrottleUseCase,
	limiter *RateLimitUseCase,
	threats *ThreatUseCase,
	responder *AutoResponseUseCase,
	metrics MetricsRecorder,
	alerts AlertSink,
	logger log.Logger,
) (*GatewayUseCase, func()) {
	uc := &GatewayUseCase{
		conf:      c.Gateway,
		throttler: throttler,
		limiter:   limiter,
		threats:   threats,
		responder: responder,
		metrics:   metrics,
		alerts:    alerts,
		usage:     make(chan *model.UsageEvent, usageQueueSize),
		done:      make(chan struct{}),
		log:       log.NewHelper(logger),
	}
	go uc.drainUsage()

	cleanup := func() {
		close(uc.usage)
		<-uc.done
	}
	return uc, cleanup
}

// Disabled reports whether the deployment-level kill switch is on.
func (uc *GatewayUseCase) Disabled() bool {
	return uc.conf != nil && uc.conf.Disabled
}

// Evaluate runs the full admission pipeline over one request. The
// decision is always returned; internal failures degrade per each
// component's fail-open policy rather than erroring.
func (uc *GatewayUseCase) Evaluate(ctx context.Context, req *model.RequestInfo, principal *model.Principal) model.AdmissionDecision {
	identifier := IdentifierFor(principal, req)
	class := uc.throttler.Classify(req.Path)
	className := "default"
	if class != nil {
		className = class.Name
	}

	if uc.Disabled() {
		// Kill switch: admit everything but keep the signals flowing.
		decision := model.AdmissionDecision{Allow: true, HTTPStatus: 200, Reason: model.ReasonKillSwitch}
		uc.finish(req, identifier, className, decision, nil)
		return decision
	}

	// Existing blocks veto everything else, login traffic included.
	if entry := uc.limiter.CheckBlock(ctx, identifier); entry != nil {
		decision := model.AdmissionDecision{
			Allow:      false,
			HTTPStatus: 403,
			RetryAfter: entry.RemainingTTL(time.Now()),
			Reason:     model.ReasonBlocked,
		}
		uc.finish(req, identifier, className, decision, nil)
		return decision
	}
	if principal != nil && !principal.Anonymous() {
		// Authenticated principals are also checked under their IP so
		// that IP-level response blocks hold across accounts.
		if entry := uc.limiter.CheckBlock(ctx, "ip:"+req.IP); entry != nil {
			decision := model.AdmissionDecision{
				Allow:      false,
				HTTPStatus: 403,
				RetryAfter: entry.RemainingTTL(time.Now()),
				Reason:     model.ReasonBlocked,
			}
			uc.finish(req, identifier, className, decision, nil)
			return decision
		}
	}

	// Burst smoothing before quota accounting.
	throttleRes, _, _ := uc.throttler.Check(ctx, identifier, req.Path)
	if !throttleRes.Allowed {
		decision := uc.throttler.Decide(throttleRes)
		uc.finish(req, identifier, className, decision, nil)
		return decision
	}

	decision, limitInfo := uc.limiter.CheckLimit(ctx, req, principal, className)
	if !decision.Allow {
		// Limit headers matter most on the denial: they tell the
		// caller which ceiling was hit and when it resets.
		decision.Headers = limitHeaders(limitInfo)
		if uc.limiter.IsLoginPath(req.Path) {
			finding := uc.threats.BruteForceFinding(req)
			uc.responder.Respond(ctx, finding, principal)
		}
		uc.finish(req, identifier, className, decision, limitInfo)
		return decision
	}

	evaluation := uc.threats.Evaluate(ctx, req)
	for _, finding := range evaluation.Findings {
		uc.responder.Respond(ctx, finding, principal)
	}
	for _, rerr := range evaluation.Errors {
		uc.log.Warnf("Threat evaluation degraded: %v", rerr)
	}
	if evaluation.Reject {
		decision = model.AdmissionDecision{
			Allow:      false,
			HTTPStatus: 403,
			Reason:     model.ReasonThreat,
		}
		uc.finish(req, identifier, className, decision, limitInfo)
		return decision
	}

	decision.Headers = limitHeaders(limitInfo)
	uc.finish(req, identifier, className, decision, limitInfo)
	return decision
}

// ObserveResponse feeds post-response signals back into the engine.
// Currently that is 404 volume for enumeration detection.
func (uc *GatewayUseCase) ObserveResponse(ctx context.Context, req *model.RequestInfo, principal *model.Principal, status int) {
	if status != 404 {
		return
	}
	if finding := uc.threats.ObserveNotFound(ctx, req); finding != nil {
		uc.responder.Respond(ctx, finding, principal)
	}
}

// limitHeaders renders the standard X-RateLimit-* headers from the
// tightest window.
func limitHeaders(info *model.LimitInfo) map[string]string {
	usage := info.Tightest()
	if usage == nil {
		return nil
	}
	remaining := usage.Limit - usage.Current
	if remaining < 0 {
		remaining = 0
	}
	return map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(usage.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(int64(usage.ResetIn.Seconds()), 10),
	}
}

// finish records metrics and emits the usage event for one decision.
func (uc *GatewayUseCase) finish(req *model.RequestInfo, identifier, class string, decision model.AdmissionDecision, info *model.LimitInfo) {
	uc.metrics.Decision(decision.Reason)

	var remaining int64
	if usage := info.Tightest(); usage != nil {
		remaining = usage.Limit - usage.Current
		if remaining < 0 {
			remaining = 0
		}
	}

	event := &model.UsageEvent{
		Identifier:    identifier,
		EndpointClass: class,
		Path:          req.Path,
		Allowed:       decision.Allow,
		Reason:        decision.Reason,
		Remaining:     remaining,
		OccurredAt:    time.Now().UTC(),
	}
	select {
	case uc.usage <- event:
	default:
		uc.log.Debugf("Usage queue full, dropping event for %s", identifier)
	}
}

// drainUsage forwards usage events to the external channel off the
// request path.
func (uc *GatewayUseCase) drainUsage() {
	defer close(uc.done)
	for event := range uc.usage {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := uc.alerts.Publish(ctx, "usage", event); err != nil {
			uc.log.Debugf("Failed to publish usage event for %s: %v", event.Identifier, err)
		}
		cancel()
	}
}
