package meter

import "github.com/ineyio/quotaledger"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotaledger.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnConsume(quotaledger.ConsumeEvent) {}
func (m *NoopMeter) OnAudit(quotaledger.AuditEvent)     {}
