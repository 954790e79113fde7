package events

import (
	"go.uber.org/zap"
)

// LogSink writes one structured line per event
type LogSink struct {
	Log *zap.SugaredLogger
}

func (s LogSink) Publish(evs []Event) {
	for _, e := range evs {
		kv := []any{"seq", e.Seq, "id", e.ID, "market", e.Market, "user", e.User.Hex()}
		if e.OrderID != 0 {
			kv = append(kv, "order_id", e.OrderID)
		}
		if e.Size != nil {
			kv = append(kv, "size", e.Size.String())
		}
		if e.Price != nil {
			kv = append(kv, "price", e.Price.String())
		}
		if e.PnL != nil {
			kv = append(kv, "pnl", e.PnL.String())
		}
		if e.Funding != nil {
			kv = append(kv, "funding", e.Funding.String())
		}
		if e.Reason != "" {
			kv = append(kv, "reason", e.Reason)
		}
		s.Log.Infow(eventName(e.Type), kv...)
	}
}

func eventName(t Type) string {
	switch t {
	case OrderCreated:
		return "order_created"
	case OrderCancelled:
		return "order_cancelled"
	case OrderExecuted:
		return "order_executed"
	case PositionLiquidated:
		return "position_liquidated"
	case FundingSettled:
		return "funding_settled"
	default:
		return string(t)
	}
}
