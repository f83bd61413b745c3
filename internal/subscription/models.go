package subscription

import (
	"time"

	"triggerhub/pkg/models"
)

type CreateRequest struct {
	// ID is optional; a UUID is generated when empty.
	ID            string                       `json:"id"`
	Provider      models.ProviderKind          `json:"provider" binding:"required"`
	CredentialRef string                       `json:"credential_ref"`
	Events        []string                     `json:"events"`
	Filters       map[string]models.FilterRule `json:"filters"`
	Secret        string                       `json:"secret"`
	Verification  *models.Verification         `json:"verification"`
	Resource      map[string]string            `json:"resource"`
}

type UpdateRequest struct {
	Events       *[]string                     `json:"events"`
	Filters      *map[string]models.FilterRule `json:"filters"`
	Secret       *string                       `json:"secret"`
	Verification *models.Verification          `json:"verification"`
}

// View is a subscription together with its current checkpoint.
type View struct {
	*models.Subscription
	Checkpoint string `json:"checkpoint,omitempty"`
}

type AuditLog struct {
	ID             string                 `json:"id"`
	SubscriptionID string                 `json:"subscription_id"`
	Action         string                 `json:"action"`
	OldValue       map[string]interface{} `json:"old_value,omitempty"`
	NewValue       map[string]interface{} `json:"new_value,omitempty"`
	ChangedBy      string                 `json:"changed_by"`
	Timestamp      time.Time              `json:"timestamp"`
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionRenew  = "renew"
)
