package attendance

import (
	"context"

	"messmeal/internal/logger"
	"messmeal/internal/metrics"
	"messmeal/internal/queue"
)

// AuditInserter stores selection events.
type AuditInserter interface {
	InsertEvent(ctx context.Context, evt queue.SelectionEvent) (bool, error)
}

// ConsumeAudit copies selection events from q into repo until ctx is done or the
// queue closes. Malformed messages are logged and skipped.
func ConsumeAudit(ctx context.Context, q queue.Queue, repo AuditInserter, log *logger.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		evt, err := queue.DecodeSelection(msg)
		if err != nil {
			metrics.AuditWritten.WithLabelValues("malformed").Inc()
			log.Warn("skipping message", "type", msg.Type, "error", err)
			continue
		}
		inserted, err := repo.InsertEvent(ctx, evt)
		switch {
		case err != nil:
			metrics.AuditWritten.WithLabelValues("failed").Inc()
			log.Error("audit insert failed", "event_id", evt.ID, "user_id", evt.UserID, "error", err)
		case !inserted:
			metrics.AuditWritten.WithLabelValues("duplicate").Inc()
			log.Debug("duplicate event", "event_id", evt.ID)
		default:
			metrics.AuditWritten.WithLabelValues("written").Inc()
			log.Debug("event recorded", "event_id", evt.ID, "date", evt.Date, "slot", evt.Slot, "outcome", evt.Outcome)
		}
	}
	return nil
}
