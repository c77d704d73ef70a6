package webhook

import (
	"context"
	"log/slog"

	"roomsense/go-beacon-hub/internal/model"
	"roomsense/go-beacon-hub/internal/store"
)

// Queue drains the durable delivery queue strictly head-first. There is no
// backoff and no dead-letter handling: a permanently failing endpoint keeps
// the same head entry in place across drains, which is acceptable for the
// small fleets this hub serves and keeps enter/exit pairs ordered for
// downstream consumers.
type Queue struct {
	store  *store.Store
	sender *Sender
	logger *slog.Logger
}

// NewQueue wires the drain logic over the persisted queue.
func NewQueue(st *store.Store, sender *Sender, logger *slog.Logger) *Queue {
	return &Queue{store: st, sender: sender, logger: logger}
}

// Enqueue parks a failed delivery at the tail of the durable queue.
func (q *Queue) Enqueue(ctx context.Context, payload model.WebhookPayload, targetURL string) error {
	if err := ValidateURL(targetURL); err != nil {
		return err
	}
	return q.store.EnqueueDelivery(ctx, payload, targetURL)
}

// RetryPending drains the queue in FIFO order, one entry at a time. An entry
// is removed only after a successful send; the first failure stops the drain
// with the entry still at the head, so later events are never delivered
// ahead of an earlier one. Returns the number of entries delivered.
func (q *Queue) RetryPending(ctx context.Context, secret string) (int, error) {
	delivered := 0
	for {
		head, err := q.store.HeadDelivery(ctx)
		if err != nil {
			return delivered, err
		}
		if head == nil {
			return delivered, nil
		}

		status, err := q.sender.Send(ctx, head.Payload, head.TargetURL, secret)
		if err != nil {
			if incErr := q.store.IncrementDeliveryAttempts(ctx, head.ID); incErr != nil {
				q.logger.Error("failed to record retry attempt", "id", head.ID, "error", incErr)
			}
			q.logger.Warn("retry stopped at queue head",
				"id", head.ID,
				"attempts", head.AttemptCount+1,
				"event", head.Payload.Event,
				"error", err,
			)
			return delivered, err
		}

		if err := q.store.DeleteDelivery(ctx, head.ID); err != nil {
			return delivered, err
		}
		delivered++
		q.logger.Info("queued webhook delivered", "id", head.ID, "event", head.Payload.Event, "status", status)
	}
}

// Pending lists the queue contents in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]model.PendingWebhookDelivery, error) {
	return q.store.ListDeliveries(ctx)
}
