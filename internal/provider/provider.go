// Package provider defines the closed set of trigger provider variants and
// the capabilities each one may implement.
//
// Every variant decodes a transport message and maps it to canonical event
// candidates. Thin-push variants additionally implement ChangeLister so the
// reconciler can pull the change log behind a notification.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"triggerhub/internal/credentials"
	"triggerhub/internal/mapping"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

type Style int

const (
	// FatPayload notifications carry the complete event.
	FatPayload Style = iota
	// ThinPush notifications only point at a change-log position.
	ThinPush
)

func (s Style) String() string {
	if s == ThinPush {
		return "thin_push"
	}
	return "fat_payload"
}

// HandshakeResponse is written back verbatim instead of running the pipeline.
type HandshakeResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Notification is a decoded provider envelope.
type Notification struct {
	// Pointer is the change-log position a thin push refers to. Empty when
	// the provider's ping carries none.
	Pointer   string
	EventType string
	// Action is the provider-native action; it becomes the change kind of
	// the mapped event.
	Action     string
	DeliveryID string
	Payload    map[string]interface{}
	RawBody    []byte
	OccurredAt time.Time
	// Ignore marks notifications that are acknowledged without processing
	// (sync pings, unmapped actions).
	Ignore bool
}

type MapRequest struct {
	Subscription *models.Subscription
	Credential   *credentials.Credential
	Notification *Notification
	Change       *models.ChangeRecord
}

type Provider interface {
	Kind() models.ProviderKind
	Style() Style
	DefaultVerification() models.Verification
	Schemas() []mapping.Schema
	Decode(ctx context.Context, msg *models.TransportMessage, sub *models.Subscription) (*Notification, error)
	Map(ctx context.Context, req MapRequest) ([]mapping.Candidate, error)
}

// Handshaker answers provider verification pings. It runs before signature
// verification because those pings are unsigned.
type Handshaker interface {
	Handshake(msg *models.TransportMessage, sub *models.Subscription) (*HandshakeResponse, bool)
}

// Acknowledger overrides the default {"status":"ok"} acknowledgement body.
type Acknowledger interface {
	Acknowledgement() HandshakeResponse
}

// Page is one page of a provider change log.
type Page struct {
	Records       []models.ChangeRecord
	NextPageToken string
	// Cursor is the position reached after this page.
	Cursor   string
	CaughtUp bool
}

type ChangeLister interface {
	// Compare orders two cursors: negative when a < b.
	Compare(a, b string) int
	ListChangesSince(ctx context.Context, cred *credentials.Credential, sub *models.Subscription, cursor, pageToken string) (*Page, error)
	LatestCursor(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (string, error)
}

type WatchResult struct {
	Cursor     string
	ExternalID string
	Expiration *time.Time
	Secret     string
	// Resource holds provider-assigned identifiers merged into the
	// subscription's Resource map.
	Resource map[string]string
}

// Watcher manages the provider-side registration that makes the provider
// push notifications to the subscription callback.
type Watcher interface {
	Watch(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*WatchResult, error)
	Renew(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*WatchResult, error)
	Unwatch(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) error
}

// AttachmentFetcher downloads provider-hosted attachments, reading at most
// limit bytes.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, cred *credentials.Credential, sub *models.Subscription, ref models.AttachmentReference, limit int64) ([]byte, error)
}

// Registry is the closed set of enabled variants.
type Registry struct {
	variants map[models.ProviderKind]Provider
}

func NewRegistry(variants ...Provider) *Registry {
	r := &Registry{variants: make(map[models.ProviderKind]Provider, len(variants))}
	for _, v := range variants {
		r.variants[v.Kind()] = v
	}
	return r
}

func (r *Registry) Get(kind models.ProviderKind) (Provider, error) {
	p, ok := r.variants[kind]
	if !ok {
		return nil, apperrors.ErrValidation.WithDetail("message", fmt.Sprintf("unsupported provider %q", kind))
	}
	return p, nil
}

func (r *Registry) Kinds() []models.ProviderKind {
	kinds := make([]models.ProviderKind, 0, len(r.variants))
	for k := range r.variants {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Mapper returns a canonical mapper loaded with every variant's schemas.
func (r *Registry) Mapper() *mapping.Mapper {
	m := mapping.NewMapper()
	for kind, v := range r.variants {
		m.Register(kind, v.Schemas()...)
	}
	return m
}
