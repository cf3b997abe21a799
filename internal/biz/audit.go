package biz

import (
	"context"

	"AccessGate/internal/model"
)

// AuditLogger records enforcement actions for later review. All methods
// are fire-and-forget: implementations must never block the admission path.
type AuditLogger interface {
	ThreatDetected(finding *model.ThreatFinding)
	BlockApplied(event *model.BlockEvent)
	BlockCleared(identifier, actor string)
	BreakerOpened(event *model.BreakerOpenedEvent)
}

// AlertSink delivers security alerts to external consumers (on-call
// tooling, the CMS backend). Kind becomes part of the routing key.
type AlertSink interface {
	Publish(ctx context.Context, kind string, payload interface{}) error
}

// Alert kinds published to the sink.
const (
	AlertKindCriticalThreat   = "critical_threat"
	AlertKindBreakerOpened    = "breaker_opened"
	AlertKindBreakerRecovered = "breaker_recovered"
	AlertKindPermanentBlock   = "permanent_block"
)
