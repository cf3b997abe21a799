// Package conf provides configuration management using Viper.
// It defines the typed configuration structures for the AccessGate
// admission-control gateway and loads them from YAML files and
// environment variables, with CLI flag overrides.
package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration structure.
type Bootstrap struct {
	Server  *Server
	Data    *Data
	Gateway *Gateway
	Alerts  *Alerts
	Log     *Log
}

// Server holds transport server configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds HTTP server configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds data layer configuration (Redis counter store, optional
// MySQL audit persistence).
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds the audit database configuration. The DSN is
// optional: when empty, audit events are logged but not persisted.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds the shared counter store configuration.
// Every stateful gateway component keeps its counters here, so the
// timeouts below bound every admission-path round trip.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Gateway holds the admission-control pipeline configuration.
type Gateway struct {
	// Disabled is the deployment-level kill switch. When true, the
	// gateway always admits requests but keeps emitting observability
	// signals. Bound to ACCESSGATE_GATEWAY_DISABLED.
	Disabled bool

	Breakers       map[string]*Breaker
	DefaultBreaker *Breaker
	Throttle       *Throttle
	Limits         *Limits
	Threat         *Threat
}

// Breaker holds per-downstream-service circuit breaker thresholds.
type Breaker struct {
	FailureThreshold   int32
	SuccessThreshold   int32
	OpenTimeout        *durationpb.Duration
	HalfOpenProbeLimit int32
}

// Throttle holds the token-bucket throttler configuration.
type Throttle struct {
	Classes []*ThrottleClass
	Default *ThrottleClass
	// LoadMultiplier scales every bucket's refill rate when the external
	// load signal crosses the high/low watermarks (coarse, global).
	LoadMultiplier float64
}

// ThrottleClass maps an endpoint class to its smoothing bucket.
// Exact path match wins over prefix match; requests matching neither
// fall back to the default class.
type ThrottleClass struct {
	Name         string
	Path         string // exact match, takes precedence
	Prefix       string // prefix match
	Capacity     int64
	RefillPerSec float64
}

// Limits holds the multi-window rate limiter and escalation configuration.
type Limits struct {
	// Tiers maps principal tier names to per-window ceilings.
	Tiers map[string]*WindowCeilings
	// DefaultTier is used when the principal's tier has no entry.
	DefaultTier *WindowCeilings
	// EndpointWeights divides the ceiling for expensive endpoint classes.
	EndpointWeights map[string]int32
	Login           *LoginLimits
	Escalation      *Escalation
	LoginEscalation *Escalation
}

// WindowCeilings holds request-count ceilings per time window.
type WindowCeilings struct {
	PerMinute int64
	PerHour   int64
	PerDay    int64
}

// LoginLimits holds the stricter, IP-keyed counter family for
// authentication endpoints (brute-force defense).
type LoginLimits struct {
	Paths     []string // path prefixes treated as auth endpoints
	PerMinute int64
	PerHour   int64
}

// Escalation defines the violation-count thresholds and the block
// durations they trigger. Steps must be ordered by ascending Violations;
// a step with BlockFor == 0 would be invalid and is rejected at startup.
type Escalation struct {
	Steps []*EscalationStep
	// ViolationWindow is the rolling window over which violations
	// accumulate before expiring.
	ViolationWindow *durationpb.Duration
}

// EscalationStep is a single escalation tier.
type EscalationStep struct {
	Violations int32
	BlockFor   *durationpb.Duration
}

// Threat holds the threat detection engine configuration.
type Threat struct {
	MaxBodyBytes      int64
	NotFoundThreshold int64
	NotFoundWindow    *durationpb.Duration
	ScannerAgents     []string
	// OccurrenceWindow is the per-(IP, threat type) counter window used
	// by auto-response secondary escalation.
	OccurrenceWindow *durationpb.Duration
}

// Alerts holds external alert delivery configuration.
type Alerts struct {
	Amqp *Alerts_AMQP
}

// Alerts_AMQP configures the RabbitMQ alert publisher. When URL is
// empty the gateway falls back to a log-only sink.
type Alerts_AMQP struct {
	Url      string
	Exchange string
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
