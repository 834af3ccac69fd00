package events

import (
	"payin-monitor/internal/interfaces"
	"payin-monitor/internal/logger"
	"payin-monitor/internal/models"
)

// LogEmitter wraps another emitter and logs every payment event before
// forwarding it.
type LogEmitter struct {
	WrappedEmitter interfaces.EventEmitter
}

// EmitEvent logs the event details and forwards to the wrapped emitter
func (d *LogEmitter) EmitEvent(event models.PaymentEvent) error {
	logger.GetLogger().Info().
		Str("chain", event.Chain.String()).
		Str("address", event.Address).
		Str("amount", event.Amount).
		Int64("usdCents", event.USDCents).
		Uint64("height", event.Height).
		Str("txHash", event.TxHash).
		Time("timestamp", event.Timestamp).
		Msg("Payment event")

	if d.WrappedEmitter != nil {
		return d.WrappedEmitter.EmitEvent(event)
	}
	return nil
}
