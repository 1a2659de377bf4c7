package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/quotaledger"
)

// LogMeter logs engine events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ quotaledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnConsume(e quotaledger.ConsumeEvent) {
	fields := []zap.Field{
		zap.String("user_id", e.UserID),
		zap.String("bucket", string(e.Bucket)),
		zap.Int64("amount", e.Amount),
		zap.Int64("remaining", e.Remaining),
		zap.Int64("duration_ms", e.Duration.Milliseconds()),
	}
	switch {
	case e.Error != nil:
		m.Logger.Warn("consume_error", append(fields, zap.Error(e.Error))...)
	case !e.Success:
		m.Logger.Info("consume_denied", fields...)
	default:
		m.Logger.Debug("consume", fields...)
	}
}

func (m *LogMeter) OnAudit(e quotaledger.AuditEvent) {
	m.Logger.Info("audit",
		zap.String("op", e.Op),
		zap.String("id", e.Entry.ID),
		zap.String("user_id", e.Entry.UserID),
		zap.String("bucket", string(e.Entry.Bucket)),
		zap.String("reason", string(e.Entry.Reason)),
		zap.Int64("change", e.Entry.Change),
		zap.Any("metadata", e.Entry.Metadata),
	)
}
