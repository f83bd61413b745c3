package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"triggerhub/internal/broker"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
	"triggerhub/pkg/retry"
)

// ConsumeRedeliveries runs re-enqueued deliveries through the pipeline until
// ctx is cancelled. Failures are retried by the consumer's backoff policy
// and dead-lettered when exhausted.
func (h *Handler) ConsumeRedeliveries(ctx context.Context, consumer broker.Consumer, topic string) error {
	return consumer.Consume(ctx, topic, h.HandleRedelivery)
}

func (h *Handler) HandleRedelivery(ctx context.Context, msg broker.Message) error {
	var r models.Redelivery
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		return retry.NewFatalError(fmt.Errorf("invalid redelivery record: %w", err))
	}
	if r.SubscriptionID == "" || r.Message == nil {
		return retry.NewFatalError(errors.New("redelivery record has no subscription or message"))
	}
	r.Message.Trusted = true

	runCtx, release := h.tracker.Track(ctx, r.SubscriptionID)
	defer release()
	runCtx, cancel := context.WithTimeout(runCtx, h.cfg.ProcessBudget)
	defer cancel()

	_, err := h.pipeline.Handle(runCtx, r.SubscriptionID, r.Message)
	switch {
	case err == nil:
		h.logger.InfowCtx(ctx, "Redelivery processed", "subscription_id", r.SubscriptionID, "attempt", r.Attempt)
		return nil
	case apperrors.IsNotFound(err):
		h.logger.InfowCtx(ctx, "Subscription removed, redelivery discarded", "subscription_id", r.SubscriptionID)
		return nil
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.Canceled):
		h.logger.InfowCtx(ctx, "Redelivery aborted, subscription was removed", "subscription_id", r.SubscriptionID)
		return nil
	case !apperrors.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded):
		return retry.NewFatalError(err)
	}
	return err
}
