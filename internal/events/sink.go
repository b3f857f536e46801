package events

import (
	"context"
	"log/slog"

	"github.com/foxzi/wablast/internal/lifecycle"
)

// LogSink logs every event until ctx is done.
func LogSink(ctx context.Context, bus Bus, logger *slog.Logger) {
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			logEvent(logger, e)
		}
	}
}

func logEvent(logger *slog.Logger, e Event) {
	switch d := e.Data.(type) {
	case lifecycle.Transition:
		attrs := []any{"broadcast_id", d.BroadcastID, "from", d.From, "to", d.To}
		if d.Reason != "" {
			attrs = append(attrs, "reason", d.Reason)
		}
		logger.Info("broadcast transition", attrs...)
	case CampaignFire:
		if e.Type == TypeCampaignSkipped {
			logger.Warn("campaign fire skipped", "campaign_id", d.CampaignID, "fire_at", d.FireAt, "next", d.Next)
			return
		}
		logger.Info("campaign fired", "campaign_id", d.CampaignID, "broadcast_id", d.BroadcastID, "fire_at", d.FireAt, "next", d.Next)
	case Progress:
		logger.Debug("broadcast progress", "broadcast_id", d.BroadcastID, "sent", d.Sent, "failed", d.Failed, "total", d.Total)
	default:
		logger.Debug("event", "type", e.Type)
	}
}
