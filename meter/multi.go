package meter

import "github.com/ineyio/quotaledger"

// MultiMeter fans events out to several meters in order.
type MultiMeter []quotaledger.Meter

var _ quotaledger.Meter = MultiMeter(nil)

// Multi combines meters, skipping nil ones.
func Multi(meters ...quotaledger.Meter) MultiMeter {
	out := make(MultiMeter, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm MultiMeter) OnConsume(e quotaledger.ConsumeEvent) {
	for _, m := range mm {
		m.OnConsume(e)
	}
}

func (mm MultiMeter) OnAudit(e quotaledger.AuditEvent) {
	for _, m := range mm {
		m.OnAudit(e)
	}
}
