package models

import "time"

// ProviderKind is the closed set of supported trigger providers.
type ProviderKind string

const (
	ProviderGmail       ProviderKind = "gmail"
	ProviderDrive       ProviderKind = "google_drive"
	ProviderAirtable    ProviderKind = "airtable"
	ProviderGitHub      ProviderKind = "github"
	ProviderLinear      ProviderKind = "linear"
	ProviderNotion      ProviderKind = "notion"
	ProviderSlack       ProviderKind = "slack"
	ProviderTypeform    ProviderKind = "typeform"
	ProviderTwilio      ProviderKind = "twilio"
	ProviderZendesk     ProviderKind = "zendesk"
	ProviderWooCommerce ProviderKind = "woocommerce"
	ProviderRssHub      ProviderKind = "rsshub"
	ProviderOutlook     ProviderKind = "outlook"
	ProviderTelegram    ProviderKind = "telegram"
)

// Verification schemes.
const (
	SchemeNone        = "none"
	SchemeHMAC        = "hmac"
	SchemeTwilio      = "twilio"
	SchemeSharedToken = "token"
	SchemeOIDC        = "oidc"
)

// Subscription is one activated trigger.
type Subscription struct {
	ID              string                `json:"id"`
	Provider        ProviderKind          `json:"provider"`
	CredentialRef   string                `json:"credential_ref,omitempty"`
	Events          []string              `json:"events"`
	Filters         map[string]FilterRule `json:"filters,omitempty"`
	Secret          string                `json:"-"`
	Verification    Verification          `json:"verification"`
	CallbackURL     string                `json:"callback_url"`
	Resource        map[string]string     `json:"resource,omitempty"`
	ExternalID      string                `json:"external_id,omitempty"`
	WatchCursor     string                `json:"watch_cursor,omitempty"`
	WatchExpiration *time.Time            `json:"watch_expiration,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Subscribes reports whether the subscription declared interest in the event.
// An empty declared set accepts everything.
func (s *Subscription) Subscribes(eventName string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventName || e == "*" {
			return true
		}
	}
	return false
}

// Verification describes how inbound messages for a subscription are authenticated.
type Verification struct {
	Scheme string `json:"scheme"`

	// hmac / twilio
	Header          string `json:"header,omitempty"`
	Encoding        string `json:"encoding,omitempty"` // hex | base64
	Prefix          string `json:"prefix,omitempty"`
	Algorithm       string `json:"algorithm,omitempty"` // sha256 | sha1
	TimestampHeader string `json:"timestamp_header,omitempty"`
	BaseFormat      string `json:"base_format,omitempty"` // body | slack | timestamp_body
	SecretEncoding  string `json:"secret_encoding,omitempty"`

	// oidc
	Audience       string   `json:"audience,omitempty"`
	ServiceAccount string   `json:"service_account,omitempty"`
	Issuers        []string `json:"issuers,omitempty"`

	// shared token
	TokenHeaders []string `json:"token_headers,omitempty"`
	TokenQuery   []string `json:"token_query,omitempty"`
}

// FilterRule is the filter configuration for one event type.
type FilterRule struct {
	Predicates []Predicate `json:"predicates,omitempty"`
	Expression string      `json:"expression,omitempty"`
}

// Filter operators.
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpIn       = "in"
	OpRegex    = "regex"
)

type Predicate struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}
