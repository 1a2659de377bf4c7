package quotaledger

import "time"

// Meter observes engine events for monitoring/logging.
type Meter interface {
	// OnConsume is called once per Consume call, allowed or not.
	OnConsume(event ConsumeEvent)

	// OnAudit is called for every audit entry after its transaction commits.
	OnAudit(event AuditEvent)
}

// ConsumeEvent describes the outcome of a Consume call.
type ConsumeEvent struct {
	UserID    string
	Bucket    Bucket
	Amount    int64
	Success   bool
	Remaining int64
	Duration  time.Duration
	Error     error
}

// AuditEvent describes a committed audit entry.
type AuditEvent struct {
	Op    string
	Entry AuditEntry
}

type noopMeter struct{}

func (noopMeter) OnConsume(ConsumeEvent) {}
func (noopMeter) OnAudit(AuditEvent)     {}
