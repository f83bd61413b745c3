package models

import "time"

// Change families produced by incremental change APIs.
const (
	FamilyAdded        = "added"
	FamilyDeleted      = "deleted"
	FamilyLabelAdded   = "label_added"
	FamilyLabelRemoved = "label_removed"
	FamilyUpdated      = "updated"
)

// FamilyOrder is the fixed order families are emitted in.
var FamilyOrder = []string{FamilyAdded, FamilyDeleted, FamilyLabelAdded, FamilyLabelRemoved, FamilyUpdated}

// ChangeRecord is one atomic change from a provider change log.
type ChangeRecord struct {
	Family   string                 `json:"family"`
	NativeID string                 `json:"native_id"`
	Position string                 `json:"position"`
	Data     map[string]interface{} `json:"data"`
}

// Event is the canonical, provider-agnostic event handed to the workflow runtime.
type Event struct {
	Name           string                 `json:"name"`
	SubscriptionID string                 `json:"subscription_id"`
	Provider       ProviderKind           `json:"provider"`
	DedupKey       string                 `json:"dedup_key"`
	Fields         map[string]interface{} `json:"fields"`
	Extras         map[string]interface{} `json:"extras,omitempty"`
	Attachments    []AttachmentReference  `json:"attachments,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`

	NativeID   string `json:"native_id,omitempty"`
	ChangeKind string `json:"change_kind,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Lookup resolves a top-level name against Fields, then Extras.
func (e *Event) Lookup(name string) (interface{}, bool) {
	if v, ok := e.Fields[name]; ok {
		return v, true
	}
	if v, ok := e.Extras[name]; ok {
		return v, true
	}
	return nil, false
}

// Attachment provenance values.
const (
	ProvenanceMirrored     = "mirrored"
	ProvenanceExternalLink = "external-link"
)

type AttachmentReference struct {
	SourceID    string `json:"source_id,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	MirroredURL string `json:"mirrored_url,omitempty"`
	Provenance  string `json:"provenance"`
}
