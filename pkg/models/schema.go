package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateEvent checks the envelope invariants every dispatched event must hold.
func ValidateEvent(ev *Event) error {
	if ev == nil {
		return &ValidationError{
			Field:   "event",
			Message: "event cannot be nil",
		}
	}

	if ev.Name == "" {
		return &ValidationError{
			Field:   "name",
			Message: "event name is required",
		}
	}

	if ev.SubscriptionID == "" {
		return &ValidationError{
			Field:   "subscription_id",
			Message: "subscription id is required",
		}
	}

	if ev.DedupKey == "" {
		return &ValidationError{
			Field:   "dedup_key",
			Message: "dedup key is required",
		}
	}

	if ev.Fields == nil {
		return &ValidationError{
			Field:   "fields",
			Message: "event fields cannot be nil",
		}
	}

	return nil
}
