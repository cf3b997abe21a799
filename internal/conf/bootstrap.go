package conf

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with ACCESSGATE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Notable environment variables:
//   - REDIS_ADDR or ACCESSGATE_DATA_REDIS_ADDR: shared counter store address
//   - MYSQL_DSN or ACCESSGATE_DATA_DATABASE_SOURCE: optional audit database DSN
//   - ACCESSGATE_GATEWAY_DISABLED: kill switch, disables blocking decisions
//   - AMQP_URL or ACCESSGATE_ALERTS_AMQP_URL: optional alert broker
//
// Parameters:
//   - configPath: Path to the configuration file
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with ACCESSGATE_ prefix
	v.SetEnvPrefix("ACCESSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without ACCESSGATE_ prefix) for compatibility
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "ACCESSGATE_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "ACCESSGATE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("gateway.disabled", "ACCESSGATE_GATEWAY_DISABLED")
	_ = v.BindEnv("alerts.amqp.url", "AMQP_URL", "ACCESSGATE_ALERTS_AMQP_URL")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Gateway: &Gateway{
			Disabled:       v.GetBool("gateway.disabled"),
			Breakers:       loadBreakers(v),
			DefaultBreaker: loadBreaker(v, "gateway.breaker_default"),
			Throttle:       loadThrottle(v),
			Limits:         loadLimits(v),
			Threat:         loadThreat(v),
		},
		Alerts: &Alerts{
			Amqp: &Alerts_AMQP{
				Url:      v.GetString("alerts.amqp.url"),
				Exchange: v.GetString("alerts.amqp.exchange"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// loadBreakers reads the per-service breaker map from gateway.breakers.
// Unknown services fall back to gateway.breaker_default at lookup time.
func loadBreakers(v *viper.Viper) map[string]*Breaker {
	breakers := make(map[string]*Breaker)
	for service := range v.GetStringMap("gateway.breakers") {
		breakers[service] = loadBreaker(v, "gateway.breakers."+service)
	}
	return breakers
}

func loadBreaker(v *viper.Viper, prefix string) *Breaker {
	b := &Breaker{
		FailureThreshold:   v.GetInt32(prefix + ".failure_threshold"),
		SuccessThreshold:   v.GetInt32(prefix + ".success_threshold"),
		OpenTimeout:        durationpb.New(v.GetDuration(prefix + ".open_timeout")),
		HalfOpenProbeLimit: v.GetInt32(prefix + ".half_open_probe_limit"),
	}
	// Per-service entries may set only a subset of fields; fill the rest
	// from the explicit default record rather than leaving zero values.
	if b.FailureThreshold == 0 {
		b.FailureThreshold = v.GetInt32("gateway.breaker_default.failure_threshold")
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = v.GetInt32("gateway.breaker_default.success_threshold")
	}
	if b.OpenTimeout.AsDuration() == 0 {
		b.OpenTimeout = durationpb.New(v.GetDuration("gateway.breaker_default.open_timeout"))
	}
	if b.HalfOpenProbeLimit == 0 {
		b.HalfOpenProbeLimit = v.GetInt32("gateway.breaker_default.half_open_probe_limit")
	}
	return b
}

func loadThrottle(v *viper.Viper) *Throttle {
	t := &Throttle{
		LoadMultiplier: v.GetFloat64("gateway.throttle.load_multiplier"),
		Default: &ThrottleClass{
			Name:         "default",
			Capacity:     v.GetInt64("gateway.throttle.default.capacity"),
			RefillPerSec: v.GetFloat64("gateway.throttle.default.refill_per_sec"),
		},
	}

	var classes []*ThrottleClass
	if list, ok := v.Get("gateway.throttle.classes").([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			classes = append(classes, &ThrottleClass{
				Name:         asString(m["name"]),
				Path:         asString(m["path"]),
				Prefix:       asString(m["prefix"]),
				Capacity:     asInt64(m["capacity"]),
				RefillPerSec: asFloat64(m["refill_per_sec"]),
			})
		}
	}
	// Longest prefix wins; pre-sort so the classifier can scan in order.
	sort.SliceStable(classes, func(i, j int) bool {
		return len(classes[i].Prefix) > len(classes[j].Prefix)
	})
	t.Classes = classes
	return t
}

func loadLimits(v *viper.Viper) *Limits {
	l := &Limits{
		Tiers: make(map[string]*WindowCeilings),
		DefaultTier: &WindowCeilings{
			PerMinute: v.GetInt64("gateway.limits.default_tier.per_minute"),
			PerHour:   v.GetInt64("gateway.limits.default_tier.per_hour"),
			PerDay:    v.GetInt64("gateway.limits.default_tier.per_day"),
		},
		EndpointWeights: make(map[string]int32),
		Login: &LoginLimits{
			Paths:     v.GetStringSlice("gateway.limits.login.paths"),
			PerMinute: v.GetInt64("gateway.limits.login.per_minute"),
			PerHour:   v.GetInt64("gateway.limits.login.per_hour"),
		},
		Escalation:      loadEscalation(v, "gateway.limits.escalation"),
		LoginEscalation: loadEscalation(v, "gateway.limits.login_escalation"),
	}

	for tier := range v.GetStringMap("gateway.limits.tiers") {
		prefix := "gateway.limits.tiers." + tier
		l.Tiers[tier] = &WindowCeilings{
			PerMinute: v.GetInt64(prefix + ".per_minute"),
			PerHour:   v.GetInt64(prefix + ".per_hour"),
			PerDay:    v.GetInt64(prefix + ".per_day"),
		}
	}
	for class, weight := range v.GetStringMapString("gateway.limits.endpoint_weights") {
		if w := asInt64(weight); w > 0 {
			l.EndpointWeights[class] = int32(w)
		}
	}
	return l
}

func loadEscalation(v *viper.Viper, prefix string) *Escalation {
	e := &Escalation{
		ViolationWindow: durationpb.New(v.GetDuration(prefix + ".violation_window")),
	}
	if list, ok := v.Get(prefix + ".steps").([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			d, _ := time.ParseDuration(asString(m["block_for"]))
			e.Steps = append(e.Steps, &EscalationStep{
				Violations: int32(asInt64(m["violations"])),
				BlockFor:   durationpb.New(d),
			})
		}
	}
	sort.SliceStable(e.Steps, func(i, j int) bool {
		return e.Steps[i].Violations < e.Steps[j].Violations
	})
	return e
}

func loadThreat(v *viper.Viper) *Threat {
	return &Threat{
		MaxBodyBytes:      v.GetInt64("gateway.threat.max_body_bytes"),
		NotFoundThreshold: v.GetInt64("gateway.threat.notfound_threshold"),
		NotFoundWindow:    durationpb.New(v.GetDuration("gateway.threat.notfound_window")),
		ScannerAgents:     v.GetStringSlice("gateway.threat.scanner_agents"),
		OccurrenceWindow:  durationpb.New(v.GetDuration("gateway.threat.occurrence_window")),
	}
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is optional; audit events
	// degrade to log-only when absent.

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Gateway defaults
	v.SetDefault("gateway.disabled", false)

	v.SetDefault("gateway.breaker_default.failure_threshold", 5)
	v.SetDefault("gateway.breaker_default.success_threshold", 3)
	v.SetDefault("gateway.breaker_default.open_timeout", 30*time.Second)
	v.SetDefault("gateway.breaker_default.half_open_probe_limit", 2)

	v.SetDefault("gateway.throttle.load_multiplier", 0.5)
	v.SetDefault("gateway.throttle.default.capacity", 20)
	v.SetDefault("gateway.throttle.default.refill_per_sec", 10.0)

	v.SetDefault("gateway.limits.default_tier.per_minute", 60)
	v.SetDefault("gateway.limits.default_tier.per_hour", 1000)
	v.SetDefault("gateway.limits.default_tier.per_day", 10000)
	v.SetDefault("gateway.limits.login.paths", []string{"/api/v1/auth"})
	v.SetDefault("gateway.limits.login.per_minute", 3)
	v.SetDefault("gateway.limits.login.per_hour", 20)
	v.SetDefault("gateway.limits.escalation.violation_window", time.Hour)
	v.SetDefault("gateway.limits.login_escalation.violation_window", time.Hour)

	v.SetDefault("gateway.threat.max_body_bytes", int64(10<<20))
	v.SetDefault("gateway.threat.notfound_threshold", 50)
	v.SetDefault("gateway.threat.notfound_window", 10*time.Minute)
	v.SetDefault("gateway.threat.occurrence_window", time.Hour)
	v.SetDefault("gateway.threat.scanner_agents", []string{
		"sqlmap", "nikto", "nessus", "masscan", "nmap", "zgrab", "gobuster", "dirbuster",
	})

	// Alerts defaults: log-only sink unless an AMQP URL is provided
	v.SetDefault("alerts.amqp.exchange", "accessgate.alerts")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing or invalid fields.
func Validate(bc *Bootstrap) error {
	var badFields []string

	if bc.Data == nil || bc.Data.Redis == nil || bc.Data.Redis.Addr == "" {
		badFields = append(badFields, "data.redis.addr (REDIS_ADDR)")
	}

	if bc.Gateway != nil {
		if bc.Gateway.DefaultBreaker == nil || bc.Gateway.DefaultBreaker.FailureThreshold <= 0 {
			badFields = append(badFields, "gateway.breaker_default.failure_threshold (must be > 0)")
		}
		if bc.Gateway.Throttle == nil || bc.Gateway.Throttle.Default == nil ||
			bc.Gateway.Throttle.Default.Capacity <= 0 || bc.Gateway.Throttle.Default.RefillPerSec <= 0 {
			badFields = append(badFields, "gateway.throttle.default (capacity and refill_per_sec must be > 0)")
		}
		if bc.Gateway.Limits != nil {
			for _, esc := range []*Escalation{bc.Gateway.Limits.Escalation, bc.Gateway.Limits.LoginEscalation} {
				if esc == nil {
					continue
				}
				for _, step := range esc.Steps {
					if step.BlockFor.AsDuration() <= 0 {
						badFields = append(badFields, "gateway.limits escalation step with zero block_for")
					}
					if step.Violations <= 0 {
						badFields = append(badFields, "gateway.limits escalation step with zero violations")
					}
				}
			}
		}
	}

	if len(badFields) > 0 {
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(badFields, ", "))
	}

	return nil
}

// asString, asInt64 and asFloat64 coerce loosely-typed viper list entries.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscanf(n, "%d", &out)
		return out
	}
	return 0
}

func asFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
