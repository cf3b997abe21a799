package data

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"

	"AccessGate/internal/biz"
	"AccessGate/internal/model"
)

// SecurityAuditLog is the persisted record of every enforcement action
// the gateway takes. Admitted traffic is never persisted here, only
// threats found, blocks applied and blocks cleared.
type SecurityAuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	EventType  string    `gorm:"type:varchar(32);not null;index:idx_audit_type_time,priority:1"`
	Identifier string    `gorm:"type:varchar(128);not null;index"`
	ClientIP   string    `gorm:"type:varchar(64)"`
	Severity   string    `gorm:"type:varchar(16)"`
	Detail     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null;index:idx_audit_type_time,priority:2"`
}

// TableName overrides the default table name
func (SecurityAuditLog) TableName() string {
	return "security_audit_logs"
}

// Audit event types.
const (
	AuditThreatDetected = "threat_detected"
	AuditBlockApplied   = "block_applied"
	AuditBlockCleared   = "block_cleared"
	AuditBreakerOpened  = "breaker_opened"
)

// auditLogger writes audit records asynchronously so enforcement never
// waits on MySQL. With no database configured it degrades to log-only.
type auditLogger struct {
	db    *gorm.DB
	log   *log.Helper
	queue chan *SecurityAuditLog
	done  chan struct{}
}

// auditQueueSize bounds the in-flight audit backlog. When the queue is
// full new entries are dropped with a warning rather than blocking the
// request path.
const auditQueueSize = 1024

// NewAuditLogger creates the asynchronous audit writer. The returned
// cleanup drains the queue before shutdown.
func NewAuditLogger(db *gorm.DB, logger log.Logger) (biz.AuditLogger, func()) {
	l := &auditLogger{
		db:    db,
		log:   log.NewHelper(logger),
		queue: make(chan *SecurityAuditLog, auditQueueSize),
		done:  make(chan struct{}),
	}

	if db != nil {
		if err := db.AutoMigrate(&SecurityAuditLog{}); err != nil {
			l.log.Errorf("Failed to migrate security audit table: %v", err)
		}
	}

	go l.run()

	cleanup := func() {
		close(l.queue)
		<-l.done
	}
	return l, cleanup
}

func (l *auditLogger) run() {
	defer close(l.done)
	for entry := range l.queue {
		if l.db == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
			l.log.Errorf("Failed to persist audit log entry (%s %s): %v", entry.EventType, entry.Identifier, err)
		}
		cancel()
	}
}

// enqueue hands an entry to the background writer without blocking.
func (l *auditLogger) enqueue(entry *SecurityAuditLog) {
	entry.CreatedAt = time.Now().UTC()
	select {
	case l.queue <- entry:
	default:
		l.log.Warnf("Audit queue full, dropping %s entry for %s", entry.EventType, entry.Identifier)
	}
}

// ThreatDetected records a confirmed threat finding.
func (l *auditLogger) ThreatDetected(finding *model.ThreatFinding) {
	detail, _ := json.Marshal(finding)
	l.log.Infow(
		"msg", "Threat detected",
		"threat_type", string(finding.Type),
		"severity", string(finding.Severity),
		"client_ip", finding.IP,
		"rule", finding.Rule,
	)
	l.enqueue(&SecurityAuditLog{
		EventType:  AuditThreatDetected,
		Identifier: "ip:" + finding.IP,
		ClientIP:   finding.IP,
		Severity:   string(finding.Severity),
		Detail:     string(detail),
	})
}

// BlockApplied records a new or escalated block.
func (l *auditLogger) BlockApplied(event *model.BlockEvent) {
	detail, _ := json.Marshal(event)
	l.log.Warnw(
		"msg", "Block applied",
		"identifier", event.Identifier,
		"reason", event.Reason,
		"permanent", event.Permanent,
		"duration", event.Duration.String(),
	)
	l.enqueue(&SecurityAuditLog{
		EventType:  AuditBlockApplied,
		Identifier: event.Identifier,
		Detail:     string(detail),
	})
}

// BlockCleared records an operator removing a block.
func (l *auditLogger) BlockCleared(identifier, actor string) {
	l.log.Infow(
		"msg", "Block cleared",
		"identifier", identifier,
		"actor", actor,
	)
	l.enqueue(&SecurityAuditLog{
		EventType:  AuditBlockCleared,
		Identifier: identifier,
		Detail:     `{"actor":"` + actor + `"}`,
	})
}

// BreakerOpened records a circuit breaker trip.
func (l *auditLogger) BreakerOpened(event *model.BreakerOpenedEvent) {
	detail, _ := json.Marshal(event)
	l.enqueue(&SecurityAuditLog{
		EventType:  AuditBreakerOpened,
		Identifier: event.Service,
		Detail:     string(detail),
	})
}
