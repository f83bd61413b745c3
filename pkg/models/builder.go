package models

import "time"

type EventBuilder struct {
	event *Event
}

func NewEventBuilder(name string) *EventBuilder {
	return &EventBuilder{
		event: &Event{
			Name:   name,
			Fields: make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) ForSubscription(sub *Subscription) *EventBuilder {
	b.event.SubscriptionID = sub.ID
	b.event.Provider = sub.Provider
	return b
}

func (b *EventBuilder) WithIdentity(nativeID, changeKind string) *EventBuilder {
	b.event.NativeID = nativeID
	b.event.ChangeKind = changeKind
	return b
}

func (b *EventBuilder) WithDeliveryID(deliveryID string) *EventBuilder {
	b.event.DeliveryID = deliveryID
	return b
}

func (b *EventBuilder) WithFields(fields map[string]interface{}) *EventBuilder {
	if fields != nil {
		b.event.Fields = fields
	}
	return b
}

func (b *EventBuilder) WithExtras(extras map[string]interface{}) *EventBuilder {
	b.event.Extras = extras
	return b
}

func (b *EventBuilder) WithOccurredAt(t time.Time) *EventBuilder {
	b.event.OccurredAt = t
	return b
}

func (b *EventBuilder) Build() *Event {
	if b.event.OccurredAt.IsZero() {
		b.event.OccurredAt = time.Now().UTC()
	}
	return b.event
}
