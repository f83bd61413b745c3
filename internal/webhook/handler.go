// Package webhook is the HTTP ingress for provider deliveries.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"triggerhub/internal/broker"
	"triggerhub/internal/config"
	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	"triggerhub/internal/pipeline"
	"triggerhub/internal/subscription"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/logging"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
)

type Handler struct {
	pipeline        *pipeline.Pipeline
	tracker         *subscription.Tracker
	producer        broker.Producer
	redeliveryTopic string
	cfg             config.WebhookConfig
	logger          logger.Logger

	wg sync.WaitGroup
}

type Option func(*Handler)

// WithRedelivery enables re-enqueueing of asynchronous runs that failed with
// a retryable error.
func WithRedelivery(producer broker.Producer, topic string) Option {
	return func(h *Handler) {
		h.producer = producer
		h.redeliveryTopic = topic
	}
}

func NewHandler(p *pipeline.Pipeline, tracker *subscription.Tracker, cfg config.WebhookConfig, log logger.Logger, opts ...Option) *Handler {
	if log == nil {
		log = logger.NopLogger()
	}
	if cfg.Mode == "" {
		cfg.Mode = constants.ModeSync
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = constants.DefaultAckTimeout
	}
	if cfg.ProcessBudget <= 0 {
		cfg.ProcessBudget = constants.DefaultProcessBudget
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = constants.DefaultMaxBodyBytes
	}
	if tracker == nil {
		tracker = subscription.NewTracker()
	}
	h := &Handler{pipeline: p, tracker: tracker, cfg: cfg, logger: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhooks/:subscription_id", h.Receive)
	router.GET("/webhooks/:subscription_id", h.Receive)
}

// Receive godoc
// @Summary      Provider delivery endpoint
// @Description  Accepts a webhook or push notification for one subscription
// @Tags         webhooks
// @Param        subscription_id  path  string  true  "Subscription ID"
// @Success      200  {object}  map[string]string
// @Failure      401  {object}  errors.ErrorResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      413  {object}  errors.ErrorResponse
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /webhooks/{subscription_id} [post]
func (h *Handler) Receive(c *gin.Context) {
	subID := c.Param("subscription_id")
	ctx := logging.WithSubscription(c.Request.Context(), subID, "")

	msg, err := h.readMessage(c)
	if err != nil {
		h.respondError(c, ctx, subID, err)
		return
	}

	var acc *pipeline.Accepted
	if h.cfg.Mode == constants.ModeAsync {
		acc, err = h.receiveAsync(ctx, subID, msg)
	} else {
		acc, err = h.receiveSync(ctx, subID, msg)
	}
	if err != nil {
		h.respondError(c, ctx, subID, err)
		return
	}

	metrics.IncWebhookRequest(string(acc.Subscription.Provider), acc.Response.Status)
	c.Data(acc.Response.Status, acc.Response.ContentType, acc.Response.Body)
}

func (h *Handler) readMessage(c *gin.Context) (*models.TransportMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.WithStatus(apperrors.ErrValidation, http.StatusRequestEntityTooLarge).
				WithDetail("message", "request body too large")
		}
		return nil, apperrors.ErrValidation.WithCause(err)
	}
	return &models.TransportMessage{
		Body:        body,
		Headers:     c.Request.Header.Clone(),
		Query:       c.Request.URL.Query(),
		Method:      c.Request.Method,
		URL:         c.Request.URL.String(),
		ContentType: c.ContentType(),
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// receiveSync runs the whole pipeline before answering, bounded by the
// acknowledgement timeout.
func (h *Handler) receiveSync(ctx context.Context, subID string, msg *models.TransportMessage) (*pipeline.Accepted, error) {
	ctx, release := h.tracker.Track(ctx, subID)
	defer release()
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AckTimeout)
	defer cancel()

	return h.pipeline.Handle(ctx, subID, msg)
}

// receiveAsync verifies and decodes before answering and leaves the rest
// to a background run.
func (h *Handler) receiveAsync(ctx context.Context, subID string, msg *models.TransportMessage) (*pipeline.Accepted, error) {
	acceptCtx, cancel := context.WithTimeout(ctx, h.cfg.AckTimeout)
	defer cancel()

	acc, err := h.pipeline.Accept(acceptCtx, subID, msg)
	if err != nil {
		return nil, err
	}
	if !acc.Done {
		h.processInBackground(context.WithoutCancel(ctx), acc)
	}
	return acc, nil
}

func (h *Handler) processInBackground(parent context.Context, acc *pipeline.Accepted) {
	subID := acc.Subscription.ID
	ctx, release := h.tracker.Track(parent, subID)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer release()

		runCtx, cancel := context.WithTimeout(ctx, h.cfg.ProcessBudget)
		defer cancel()

		err := h.pipeline.Process(runCtx, acc)
		if err == nil {
			return
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			h.logger.InfowCtx(parent, "Background run aborted, subscription was removed", "subscription_id", subID)
			return
		}
		h.redeliver(parent, acc, 1, err)
	}()
}

func (h *Handler) redeliver(ctx context.Context, acc *pipeline.Accepted, attempt int, cause error) {
	if h.producer == nil || h.redeliveryTopic == "" {
		h.logger.ErrorwCtx(ctx, "Retryable failure with no redelivery queue, delivery dropped",
			"subscription_id", acc.Subscription.ID,
			"provider", acc.Subscription.Provider,
			"error", cause,
		)
		return
	}

	msg := *acc.Message
	msg.Trusted = true
	r := models.Redelivery{
		SubscriptionID: acc.Subscription.ID,
		Message:        &msg,
		Attempt:        attempt,
		Reason:         cause.Error(),
		EnqueuedAt:     time.Now().UTC(),
	}

	publishCtx, cancel := context.WithTimeout(ctx, constants.KafkaWriteTimeout)
	defer cancel()
	if err := h.producer.Publish(publishCtx, h.redeliveryTopic, r.SubscriptionID, r); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to enqueue redelivery",
			"subscription_id", r.SubscriptionID,
			"topic", h.redeliveryTopic,
			"error", err,
		)
		return
	}
	h.logger.InfowCtx(ctx, "Delivery enqueued for redelivery",
		"subscription_id", r.SubscriptionID,
		"attempt", attempt,
		"reason", r.Reason,
	)
}

// Wait blocks until background runs finish or ctx expires.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) respondError(c *gin.Context, ctx context.Context, subID string, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = apperrors.ErrTransientUpstream.WithCause(err)
	}
	status := apperrors.ToHTTPStatus(err)
	metrics.IncWebhookRequest("", status)

	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(ctx, "Delivery not acknowledged", "subscription_id", subID, "status", status, "error", err)
	} else {
		h.logger.WarnwCtx(ctx, "Delivery refused", "subscription_id", subID, "status", status, "error", err)
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}
