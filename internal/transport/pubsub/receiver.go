// Package pubsub pulls Gmail watch notifications from a Cloud Pub/Sub
// subscription, as an alternative to push delivery.
package pubsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"triggerhub/internal/logger"
	"triggerhub/internal/pipeline"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

// Subscriptions lists the triggers a pulled message fans out to.
type Subscriptions interface {
	List(ctx context.Context, kind models.ProviderKind) ([]models.Subscription, error)
}

// Handler runs one message for one subscription.
type Handler interface {
	Handle(ctx context.Context, subscriptionID string, msg *models.TransportMessage) (*pipeline.Accepted, error)
}

// Message is the transport-independent part of a pulled message.
type Message struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time
}

type Receiver struct {
	client       *gcpubsub.Client
	subscription string
	subs         Subscriptions
	handler      Handler
	logger       logger.Logger
	maxInFlight  int
}

func NewReceiver(ctx context.Context, projectID, subscription string, subs Subscriptions, handler Handler, log logger.Logger, opts ...option.ClientOption) (*Receiver, error) {
	client, err := gcpubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return newReceiver(client, subscription, subs, handler, log), nil
}

func newReceiver(client *gcpubsub.Client, subscription string, subs Subscriptions, handler Handler, log logger.Logger) *Receiver {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Receiver{
		client:       client,
		subscription: subscription,
		subs:         subs,
		handler:      handler,
		logger:       log,
		maxInFlight:  10,
	}
}

// Run receives until ctx is cancelled. A message is acked once every
// subscription processed it; a retryable failure nacks it so Pub/Sub
// redelivers.
func (r *Receiver) Run(ctx context.Context) error {
	sub := r.client.Subscription(r.subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check subscription existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("pubsub subscription %s does not exist", r.subscription)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = r.maxInFlight

	r.logger.Infow("Pulling Gmail notifications", "subscription", r.subscription)
	err = sub.Receive(ctx, func(ctx context.Context, m *gcpubsub.Message) {
		msg := Message{ID: m.ID, Data: m.Data, Attributes: m.Attributes, PublishTime: m.PublishTime}
		if r.Deliver(ctx, msg) {
			m.Ack()
		} else {
			m.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive failed: %w", err)
	}
	return nil
}

// Deliver fans the message out to every Gmail subscription and reports
// whether it can be acked. Subscriptions for another mailbox ignore it
// while decoding.
func (r *Receiver) Deliver(ctx context.Context, msg Message) bool {
	subs, err := r.subs.List(ctx, models.ProviderGmail)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to list Gmail subscriptions", "message_id", msg.ID, "error", err)
		return false
	}

	transport, err := pushEnvelope(msg, r.subscription)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to wrap pulled message", "message_id", msg.ID, "error", err)
		return true
	}

	ack := true
	for i := range subs {
		if _, err := r.handler.Handle(ctx, subs[i].ID, clone(transport)); err != nil {
			if apperrors.IsRetryable(err) || ctx.Err() != nil {
				ack = false
			}
			r.logger.WarnwCtx(ctx, "Pulled notification failed",
				"subscription_id", subs[i].ID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
	return ack
}

type envelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func clone(msg *models.TransportMessage) *models.TransportMessage {
	m := *msg
	m.Body = append([]byte(nil), msg.Body...)
	return &m
}

// pushEnvelope renders a pulled message in the push delivery format so the
// Gmail decoder handles both paths.
func pushEnvelope(msg Message, subscription string) (*models.TransportMessage, error) {
	var env envelope
	env.Message.Data = base64.StdEncoding.EncodeToString(msg.Data)
	env.Message.Attributes = msg.Attributes
	env.Message.MessageID = msg.ID
	env.Message.PublishTime = msg.PublishTime
	env.Subscription = subscription

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &models.TransportMessage{
		Body:        body,
		Method:      "PULL",
		ContentType: "application/json",
		ReceivedAt:  time.Now().UTC(),
		Trusted:     true,
	}, nil
}

func (r *Receiver) Close() error {
	return r.client.Close()
}
