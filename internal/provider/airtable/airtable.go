// Package airtable implements the Airtable thin-push variant. Airtable
// pings the callback without any pointer; the changes are read from the
// webhook's payload list, which is numbered by an integer cursor starting
// at 1.
package airtable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"triggerhub/internal/credentials"
	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/internal/signature"
	"triggerhub/pkg/circuitbreaker"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

const DefaultBaseURL = "https://api.airtable.com"

// InitialCursor is the first payload number of a new webhook.
const InitialCursor = "1"

const (
	EventRecordCreated = "record_created"
	EventRecordUpdated = "record_updated"
	EventRecordDeleted = "record_deleted"
)

var familyEvents = map[string]string{
	models.FamilyAdded:   EventRecordCreated,
	models.FamilyUpdated: EventRecordUpdated,
	models.FamilyDeleted: EventRecordDeleted,
}

type Provider struct {
	api *provider.APIClient
}

func New(baseURL string, cb circuitbreaker.Config) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cb.Name == "" {
		cb = circuitbreaker.DefaultConfig("airtable")
	}
	return &Provider{api: provider.NewAPIClient("airtable", baseURL, cb)}
}

func (p *Provider) Kind() models.ProviderKind { return models.ProviderAirtable }

func (p *Provider) Style() provider.Style { return provider.ThinPush }

// DefaultVerification checks X-Airtable-Content-MAC, keyed with the
// base64 macSecret returned when the webhook was created.
func (p *Provider) DefaultVerification() models.Verification {
	return models.Verification{
		Scheme:         models.SchemeHMAC,
		Header:         "X-Airtable-Content-MAC",
		Prefix:         "hmac-sha256=",
		Encoding:       "hex",
		SecretEncoding: "base64",
		BaseFormat:     signature.BaseBody,
	}
}

func (p *Provider) Compare(a, b string) int { return provider.CompareNumeric(a, b) }

type ping struct {
	Base struct {
		ID string `json:"id"`
	} `json:"base"`
	Webhook struct {
		ID string `json:"id"`
	} `json:"webhook"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *Provider) Decode(_ context.Context, msg *models.TransportMessage, sub *models.Subscription) (*provider.Notification, error) {
	var body ping
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, provider.Malformed("invalid ping body: %v", err)
	}
	if body.Webhook.ID == "" {
		return nil, provider.Malformed("ping has no webhook id")
	}
	n := &provider.Notification{
		EventType:  "payloads_available",
		Payload:    map[string]interface{}{"base_id": body.Base.ID, "webhook_id": body.Webhook.ID},
		RawBody:    msg.Body,
		OccurredAt: body.Timestamp,
	}
	if sub.ExternalID != "" && sub.ExternalID != body.Webhook.ID {
		n.Ignore = true
	}
	return n, nil
}

func baseID(sub *models.Subscription) (string, error) {
	id := sub.Resource["base_id"]
	if id == "" {
		return "", apperrors.ErrValidation.WithDetail("message", "airtable subscription requires resource.base_id")
	}
	return id, nil
}

func webhookPath(sub *models.Subscription, suffix string) (string, error) {
	base, err := baseID(sub)
	if err != nil {
		return "", err
	}
	if sub.ExternalID == "" {
		return "", apperrors.ErrValidation.WithDetail("message", "airtable subscription has no registered webhook")
	}
	return fmt.Sprintf("/v0/bases/%s/webhooks/%s%s", url.PathEscape(base), url.PathEscape(sub.ExternalID), suffix), nil
}

type payloadList struct {
	Cursor        int64     `json:"cursor"`
	MightHaveMore bool      `json:"mightHaveMore"`
	Payloads      []payload `json:"payloads"`
}

type payload struct {
	Timestamp             time.Time               `json:"timestamp"`
	BaseTransactionNumber int64                   `json:"baseTransactionNumber"`
	ActionMetadata        map[string]interface{}  `json:"actionMetadata"`
	ChangedTablesByID     map[string]tableChanges `json:"changedTablesById"`
}

type tableChanges struct {
	CreatedRecordsByID map[string]map[string]interface{} `json:"createdRecordsById"`
	ChangedRecordsByID map[string]map[string]interface{} `json:"changedRecordsById"`
	DestroyedRecordIDs []string                          `json:"destroyedRecordIds"`
}

// ListChangesSince reads payloads starting at cursor. Airtable pages by
// cursor alone, so the page token is the next cursor.
func (p *Provider) ListChangesSince(ctx context.Context, cred *credentials.Credential, sub *models.Subscription, cursor, pageToken string) (*provider.Page, error) {
	from := cursor
	if pageToken != "" {
		from = pageToken
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start < 1 {
		return nil, provider.ErrCursorExpired
	}
	path, err := webhookPath(sub, "/payloads?cursor="+strconv.FormatInt(start, 10))
	if err != nil {
		return nil, err
	}

	var list payloadList
	if err := p.api.Do(ctx, httpClient(ctx, cred), http.MethodGet, path, nil, &list); err != nil {
		return nil, classify(err)
	}

	page := &provider.Page{
		Cursor:   strconv.FormatInt(list.Cursor, 10),
		CaughtUp: !list.MightHaveMore,
	}
	if list.MightHaveMore {
		page.NextPageToken = page.Cursor
	}
	for i, pl := range list.Payloads {
		pos := strconv.FormatInt(start+int64(i), 10)
		page.Records = append(page.Records, records(pl, pos)...)
	}
	return page, nil
}

// records flattens one payload into change records, tables in id order.
func records(pl payload, pos string) []models.ChangeRecord {
	tables := make([]string, 0, len(pl.ChangedTablesByID))
	for id := range pl.ChangedTablesByID {
		tables = append(tables, id)
	}
	sort.Strings(tables)

	var out []models.ChangeRecord
	for _, tableID := range tables {
		changes := pl.ChangedTablesByID[tableID]
		for _, id := range sortedKeys(changes.CreatedRecordsByID) {
			out = append(out, changeRecord(models.FamilyAdded, tableID, id, pos, pl, changes.CreatedRecordsByID[id]))
		}
		for _, id := range sortedKeys(changes.ChangedRecordsByID) {
			out = append(out, changeRecord(models.FamilyUpdated, tableID, id, pos, pl, changes.ChangedRecordsByID[id]))
		}
		for _, id := range changes.DestroyedRecordIDs {
			out = append(out, changeRecord(models.FamilyDeleted, tableID, id, pos, pl, nil))
		}
	}
	return out
}

func changeRecord(family, tableID, recordID, pos string, pl payload, record map[string]interface{}) models.ChangeRecord {
	data := map[string]interface{}{
		"record_id":               recordID,
		"table_id":                tableID,
		"base_transaction_number": float64(pl.BaseTransactionNumber),
	}
	if !pl.Timestamp.IsZero() {
		data["timestamp"] = pl.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if pl.ActionMetadata != nil {
		data["action_metadata"] = pl.ActionMetadata
	}
	for k, v := range record {
		data[k] = v
	}
	return models.ChangeRecord{Family: family, NativeID: tableID + "/" + recordID, Position: pos, Data: data}
}

func sortedKeys(m map[string]map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type webhookInfo struct {
	ID                   string `json:"id"`
	CursorForNextPayload int64  `json:"cursorForNextPayload"`
	ExpirationTime       string `json:"expirationTime"`
}

// LatestCursor is the webhook's next payload number; everything before it
// is skipped.
func (p *Provider) LatestCursor(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (string, error) {
	base, err := baseID(sub)
	if err != nil {
		return "", err
	}
	var list struct {
		Webhooks []webhookInfo `json:"webhooks"`
	}
	if err := p.api.Do(ctx, httpClient(ctx, cred), http.MethodGet, "/v0/bases/"+url.PathEscape(base)+"/webhooks", nil, &list); err != nil {
		return "", classify(err)
	}
	for _, w := range list.Webhooks {
		if w.ID == sub.ExternalID && w.CursorForNextPayload > 0 {
			return strconv.FormatInt(w.CursorForNextPayload, 10), nil
		}
	}
	return InitialCursor, nil
}

func (p *Provider) Map(_ context.Context, req provider.MapRequest) ([]mapping.Candidate, error) {
	if req.Change == nil {
		return nil, nil
	}
	ch := req.Change
	name, ok := familyEvents[ch.Family]
	if !ok {
		return nil, nil
	}
	c := mapping.Candidate{
		Name:       name,
		NativeID:   ch.NativeID,
		ChangeKind: ch.Family + "@" + ch.Position,
		Data:       ch.Data,
	}
	if ts, ok := ch.Data["timestamp"]; ok {
		if t, ok := mapping.ParseTimestamp(ts); ok {
			c.OccurredAt = t.UTC()
		}
	}
	return []mapping.Candidate{c}, nil
}

type createRequest struct {
	NotificationURL string        `json:"notificationUrl"`
	Specification   specification `json:"specification"`
}

type specification struct {
	Options struct {
		Filters filters `json:"filters"`
	} `json:"options"`
}

type filters struct {
	DataTypes         []string `json:"dataTypes"`
	RecordChangeScope string   `json:"recordChangeScope,omitempty"`
}

type createResponse struct {
	ID              string `json:"id"`
	MacSecretBase64 string `json:"macSecretBase64"`
	ExpirationTime  string `json:"expirationTime"`
}

// Watch creates the webhook. Its MAC secret becomes the subscription
// secret and the checkpoint starts at payload 1.
func (p *Provider) Watch(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	base, err := baseID(sub)
	if err != nil {
		return nil, err
	}
	if sub.CallbackURL == "" {
		return nil, apperrors.ErrValidation.WithDetail("message", "airtable webhook requires a callback url")
	}
	req := createRequest{NotificationURL: sub.CallbackURL}
	req.Specification.Options.Filters = filters{
		DataTypes:         []string{"tableData"},
		RecordChangeScope: sub.Resource["table_id"],
	}

	var resp createResponse
	if err := p.api.Do(ctx, httpClient(ctx, cred), http.MethodPost, "/v0/bases/"+url.PathEscape(base)+"/webhooks", req, &resp); err != nil {
		return nil, classify(err)
	}
	return &provider.WatchResult{
		Cursor:     InitialCursor,
		ExternalID: resp.ID,
		Secret:     resp.MacSecretBase64,
		Expiration: parseExpiration(resp.ExpirationTime),
	}, nil
}

// Renew extends a webhook by another seven days.
func (p *Provider) Renew(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	path, err := webhookPath(sub, "/refresh")
	if err != nil {
		return nil, err
	}
	var resp struct {
		ExpirationTime string `json:"expirationTime"`
	}
	if err := p.api.Do(ctx, httpClient(ctx, cred), http.MethodPost, path, nil, &resp); err != nil {
		return nil, classify(err)
	}
	return &provider.WatchResult{ExternalID: sub.ExternalID, Expiration: parseExpiration(resp.ExpirationTime)}, nil
}

func (p *Provider) Unwatch(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) error {
	path, err := webhookPath(sub, "")
	if err != nil {
		return err
	}
	err = p.api.Do(ctx, httpClient(ctx, cred), http.MethodDelete, path, nil, nil)
	var se *provider.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (p *Provider) Schemas() []mapping.Schema {
	return []mapping.Schema{
		{Event: EventRecordCreated, Fields: []mapping.Field{
			{Name: "record_id", Path: "record_id", Type: mapping.TypeString, Required: true},
			{Name: "table_id", Path: "table_id", Type: mapping.TypeString, Required: true},
			{Name: "cell_values", Path: "cellValuesByFieldId", Type: mapping.TypeObject},
			{Name: "created_time", Path: "createdTime", Type: mapping.TypeTimestamp},
		}},
		{Event: EventRecordUpdated, Fields: []mapping.Field{
			{Name: "record_id", Path: "record_id", Type: mapping.TypeString, Required: true},
			{Name: "table_id", Path: "table_id", Type: mapping.TypeString, Required: true},
			{Name: "current", Path: "current.cellValuesByFieldId", Type: mapping.TypeObject},
			{Name: "previous", Path: "previous.cellValuesByFieldId", Type: mapping.TypeObject},
		}},
		{Event: EventRecordDeleted, Fields: []mapping.Field{
			{Name: "record_id", Path: "record_id", Type: mapping.TypeString, Required: true},
			{Name: "table_id", Path: "table_id", Type: mapping.TypeString, Required: true},
		}},
	}
}

func parseExpiration(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func httpClient(ctx context.Context, cred *credentials.Credential) *http.Client {
	if cred == nil {
		return nil
	}
	return cred.HTTPClient(ctx)
}

// classify maps Airtable failures. A cursor Airtable no longer retains is
// reported as INVALID_CURSOR or a 404 on the payload list.
func classify(err error) error {
	var se *provider.StatusError
	if !errors.As(err, &se) {
		return err
	}
	if se.Code == http.StatusNotFound || strings.Contains(strings.ToUpper(se.Body), "INVALID_CURSOR") {
		return provider.ErrCursorExpired
	}
	return se.Classified()
}
