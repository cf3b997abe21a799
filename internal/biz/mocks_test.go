package biz

import (
	"context"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/durationpb"

	"AccessGate/internal/conf"
	"AccessGate/internal/model"
)

// recordingMetrics counts recorder calls for assertions.
type recordingMetrics struct {
	mu          sync.Mutex
	decisions   map[string]int
	transitions []string
	findings    []string
	failOpens   map[string]int
	loadSignal  float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		decisions: map[string]int{},
		failOpens: map[string]int{},
	}
}

func (m *recordingMetrics) Decision(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[reason]++
}

func (m *recordingMetrics) BreakerTransition(service string, to model.BreakerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, service+":"+string(to))
}

func (m *recordingMetrics) ThreatFinding(threatType model.ThreatType, severity model.Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings = append(m.findings, string(threatType))
}

func (m *recordingMetrics) FailOpen(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpens[component]++
}

func (m *recordingMetrics) SetActiveBlocks(float64) {}

func (m *recordingMetrics) SetLoadSignal(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadSignal = value
}

// recordingAudit captures audit events for assertions.
type recordingAudit struct {
	mu       sync.Mutex
	threats  []*model.ThreatFinding
	blocks   []*model.BlockEvent
	cleared  []string
	breakers []*model.BreakerOpenedEvent
}

func (a *recordingAudit) ThreatDetected(finding *model.ThreatFinding) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threats = append(a.threats, finding)
}

func (a *recordingAudit) BlockApplied(event *model.BlockEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = append(a.blocks, event)
}

func (a *recordingAudit) BlockCleared(identifier, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleared = append(a.cleared, identifier)
}

func (a *recordingAudit) BreakerOpened(event *model.BreakerOpenedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakers = append(a.breakers, event)
}

// recordingAlerts captures published alerts for assertions.
type recordingAlerts struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingAlerts) Publish(_ context.Context, kind string, _ interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	return nil
}

func (s *recordingAlerts) published(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// testBootstrap builds the configuration used across the biz tests.
func testBootstrap() *conf.Bootstrap {
	return &conf.Bootstrap{
		Gateway: &conf.Gateway{
			Breakers: map[string]*conf.Breaker{
				"database": {
					FailureThreshold:   3,
					SuccessThreshold:   2,
					OpenTimeout:        durationpb.New(30 * time.Second),
					HalfOpenProbeLimit: 1,
				},
			},
			DefaultBreaker: &conf.Breaker{
				FailureThreshold:   5,
				SuccessThreshold:   3,
				OpenTimeout:        durationpb.New(30 * time.Second),
				HalfOpenProbeLimit: 2,
			},
			Throttle: &conf.Throttle{
				Classes: []*conf.ThrottleClass{
					{Name: "auth", Path: "/api/v1/auth/login", Capacity: 5, RefillPerSec: 1},
					{Name: "media_upload", Prefix: "/api/v1/media", Capacity: 10, RefillPerSec: 2},
				},
				Default:        &conf.ThrottleClass{Name: "default", Capacity: 20, RefillPerSec: 10},
				LoadMultiplier: 0.5,
			},
			Limits: &conf.Limits{
				Tiers: map[string]*conf.WindowCeilings{
					"free": {PerMinute: 10, PerHour: 100, PerDay: 1000},
					"pro":  {PerMinute: 100, PerHour: 1000, PerDay: 10000},
				},
				DefaultTier:     &conf.WindowCeilings{PerMinute: 5, PerHour: 50, PerDay: 500},
				EndpointWeights: map[string]int32{"media_upload": 5},
				Login: &conf.LoginLimits{
					Paths:     []string{"/api/v1/auth"},
					PerMinute: 3,
					PerHour:   20,
				},
				Escalation: &conf.Escalation{
					Steps: []*conf.EscalationStep{
						{Violations: 3, BlockFor: durationpb.New(5 * time.Minute)},
						{Violations: 6, BlockFor: durationpb.New(2 * time.Hour)},
						{Violations: 10, BlockFor: durationpb.New(24 * time.Hour)},
					},
					ViolationWindow: durationpb.New(time.Hour),
				},
				LoginEscalation: &conf.Escalation{
					Steps: []*conf.EscalationStep{
						{Violations: 3, BlockFor: durationpb.New(15 * time.Minute)},
						{Violations: 5, BlockFor: durationpb.New(2 * time.Hour)},
					},
					ViolationWindow: durationpb.New(time.Hour),
				},
			},
			Threat: &conf.Threat{
				MaxBodyBytes:      1 << 20,
				NotFoundThreshold: 5,
				NotFoundWindow:    durationpb.New(10 * time.Minute),
				OccurrenceWindow:  durationpb.New(time.Hour),
			},
		},
	}
}
