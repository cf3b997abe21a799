package biz

import "AccessGate/internal/model"

// MetricsRecorder receives counters and gauges from the admission
// pipeline. Implemented by the Prometheus registry in observability;
// all methods must be non-blocking.
type MetricsRecorder interface {
	Decision(reason string)
	BreakerTransition(service string, to model.BreakerState)
	ThreatFinding(threatType model.ThreatType, severity model.Severity)
	FailOpen(component string)
	SetActiveBlocks(count float64)
	SetLoadSignal(value float64)
}
