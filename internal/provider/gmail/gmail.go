// Package gmail implements the Gmail thin-push variant. Gmail publishes
// mailbox changes to a Pub/Sub topic; each push only carries the mailbox
// history id, and the change log is read back with users.history.list.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"triggerhub/internal/credentials"
	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

const user = "me"

// Event names emitted per change family.
const (
	EventResourceAdded   = "resource_added"
	EventResourceDeleted = "resource_deleted"
	EventLabelAdded      = "label_added"
	EventLabelRemoved    = "label_removed"
)

var familyEvents = map[string]string{
	models.FamilyAdded:        EventResourceAdded,
	models.FamilyDeleted:      EventResourceDeleted,
	models.FamilyLabelAdded:   EventLabelAdded,
	models.FamilyLabelRemoved: EventLabelRemoved,
}

var historyTypes = []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"}

type Option func(*Provider)

// WithClientOptions appends options to every Gmail client, for example an
// endpoint override.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) { p.clientOptions = append(p.clientOptions, opts...) }
}

// WithTopic sets the default Pub/Sub topic watches publish to.
func WithTopic(topic string) Option {
	return func(p *Provider) { p.topic = topic }
}

type Provider struct {
	topic         string
	clientOptions []option.ClientOption
}

func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() models.ProviderKind { return models.ProviderGmail }

func (p *Provider) Style() provider.Style { return provider.ThinPush }

// DefaultVerification expects the OIDC token Pub/Sub attaches to pushes.
func (p *Provider) DefaultVerification() models.Verification {
	return models.Verification{Scheme: models.SchemeOIDC}
}

func (p *Provider) Compare(a, b string) int { return provider.CompareNumeric(a, b) }

func (p *Provider) service(ctx context.Context, cred *credentials.Credential) (*gmailapi.Service, error) {
	if cred == nil {
		return nil, apperrors.ErrUnauthorized.WithDetail("message", "gmail requires a credential")
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(cred.HTTPClient(ctx))}, p.clientOptions...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail client: %w", err)
	}
	return svc, nil
}

// pushEnvelope is the Pub/Sub push body.
type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type mailboxNotice struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func (p *Provider) Decode(_ context.Context, msg *models.TransportMessage, sub *models.Subscription) (*provider.Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return nil, provider.Malformed("invalid push envelope: %v", err)
	}
	if env.Message.Data == "" {
		return nil, provider.Malformed("push envelope has no data")
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(env.Message.Data); err != nil {
			return nil, provider.Malformed("push data is not base64")
		}
	}

	var notice mailboxNotice
	if err := json.Unmarshal(raw, &notice); err != nil {
		return nil, provider.Malformed("invalid mailbox notification: %v", err)
	}
	if notice.HistoryID == "" {
		return nil, provider.Malformed("mailbox notification has no historyId")
	}

	n := &provider.Notification{
		Pointer:    notice.HistoryID.String(),
		EventType:  "mailbox_changed",
		DeliveryID: env.Message.MessageID,
		Payload: map[string]interface{}{
			"email_address": notice.EmailAddress,
			"history_id":    notice.HistoryID.String(),
		},
		RawBody:    msg.Body,
		OccurredAt: env.Message.PublishTime,
	}
	if want := sub.Resource["email"]; want != "" && !strings.EqualFold(want, notice.EmailAddress) {
		n.Ignore = true
	}
	return n, nil
}

func (p *Provider) ListChangesSince(ctx context.Context, cred *credentials.Credential, sub *models.Subscription, cursor, pageToken string) (*provider.Page, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, provider.ErrCursorExpired
	}
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	call := svc.Users.History.List(user).StartHistoryId(start).HistoryTypes(historyTypes...).Context(ctx)
	if label := sub.Resource["label_id"]; label != "" {
		call = call.LabelId(label)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		if provider.GoogleStatus(err) == http.StatusNotFound {
			return nil, provider.ErrCursorExpired
		}
		return nil, provider.ClassifyGoogle(err)
	}

	page := &provider.Page{NextPageToken: resp.NextPageToken, CaughtUp: resp.NextPageToken == "", Cursor: cursor}
	for _, h := range resp.History {
		pos := strconv.FormatUint(h.Id, 10)
		for _, m := range h.MessagesAdded {
			page.Records = append(page.Records, record(models.FamilyAdded, pos, m.Message, nil))
		}
		for _, m := range h.MessagesDeleted {
			page.Records = append(page.Records, record(models.FamilyDeleted, pos, m.Message, nil))
		}
		for _, m := range h.LabelsAdded {
			page.Records = append(page.Records, record(models.FamilyLabelAdded, pos, m.Message, m.LabelIds))
		}
		for _, m := range h.LabelsRemoved {
			page.Records = append(page.Records, record(models.FamilyLabelRemoved, pos, m.Message, m.LabelIds))
		}
		page.Cursor = pos
	}
	if page.CaughtUp && resp.HistoryId != 0 {
		// The mailbox position is only safe to adopt once every page was read.
		page.Cursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	return page, nil
}

func record(family, pos string, m *gmailapi.Message, labels []string) models.ChangeRecord {
	data := map[string]interface{}{"history_id": pos}
	var id string
	if m != nil {
		id = m.Id
		data["message_id"] = m.Id
		data["thread_id"] = m.ThreadId
		data["label_ids"] = stringsToAny(m.LabelIds)
	}
	if labels != nil {
		data["changed_label_ids"] = stringsToAny(labels)
	}
	return models.ChangeRecord{Family: family, NativeID: id, Position: pos, Data: data}
}

func (p *Provider) LatestCursor(ctx context.Context, cred *credentials.Credential, _ *models.Subscription) (string, error) {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", provider.ClassifyGoogle(err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Map turns one history record into a candidate. Added messages are read
// back for headers, text and attachment metadata; a message deleted in the
// meantime yields nothing.
func (p *Provider) Map(ctx context.Context, req provider.MapRequest) ([]mapping.Candidate, error) {
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
	if req.Notification != nil {
		c.DeliveryID = req.Notification.DeliveryID
		c.OccurredAt = req.Notification.OccurredAt
	}

	if ch.Family == models.FamilyAdded && ch.NativeID != "" {
		svc, err := p.service(ctx, req.Credential)
		if err != nil {
			return nil, err
		}
		m, err := svc.Users.Messages.Get(user, ch.NativeID).Format("full").Context(ctx).Do()
		if err != nil {
			if provider.GoogleStatus(err) == http.StatusNotFound {
				return nil, nil
			}
			return nil, provider.ClassifyGoogle(err)
		}
		c.Data = messageData(m, ch.Data)
		c.Attachments = attachments(m)
		if m.InternalDate > 0 {
			c.OccurredAt = time.UnixMilli(m.InternalDate).UTC()
		}
	}
	return []mapping.Candidate{c}, nil
}

func messageData(m *gmailapi.Message, base map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(base)+8)
	for k, v := range base {
		data[k] = v
	}
	data["message_id"] = m.Id
	data["thread_id"] = m.ThreadId
	data["label_ids"] = stringsToAny(m.LabelIds)
	data["snippet"] = m.Snippet
	if m.InternalDate > 0 {
		data["internal_date"] = float64(m.InternalDate)
	}
	if m.Payload == nil {
		return data
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject", "from", "to", "cc", "date", "message-id":
			data[strings.ReplaceAll(strings.ToLower(h.Name), "-", "_")] = h.Value
		}
	}
	if text := partText(m.Payload, "text/plain"); text != "" {
		data["body_text"] = text
	}
	if html := partText(m.Payload, "text/html"); html != "" {
		data["body_html"] = html
	}
	return data
}

func partText(part *gmailapi.MessagePart, mime string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mime && part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		if b, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(b)
		}
		if b, err := base64.RawURLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(b)
		}
	}
	for _, child := range part.Parts {
		if text := partText(child, mime); text != "" {
			return text
		}
	}
	return ""
}

// attachmentSep joins message and attachment ids into one source id.
const attachmentSep = "/"

func attachments(m *gmailapi.Message) []models.AttachmentReference {
	var out []models.AttachmentReference
	var walk func(part *gmailapi.MessagePart)
	walk = func(part *gmailapi.MessagePart) {
		if part == nil {
			return
		}
		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			out = append(out, models.AttachmentReference{
				SourceID:    m.Id + attachmentSep + part.Body.AttachmentId,
				Name:        part.Filename,
				ContentType: part.MimeType,
				Size:        part.Body.Size,
			})
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(m.Payload)
	return out
}

// FetchAttachment downloads one attachment body through the Gmail API.
func (p *Provider) FetchAttachment(ctx context.Context, cred *credentials.Credential, _ *models.Subscription, ref models.AttachmentReference, limit int64) ([]byte, error) {
	msgID, attID, ok := strings.Cut(ref.SourceID, attachmentSep)
	if !ok {
		return nil, provider.Malformed("attachment source id %q is not message/attachment", ref.SourceID)
	}
	if limit > 0 && ref.Size > limit {
		return nil, apperrors.ErrOversizedAttachment.WithDetail("size", ref.Size)
	}
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	body, err := svc.Users.Messages.Attachments.Get(user, msgID, attID).Context(ctx).Do()
	if err != nil {
		return nil, provider.ClassifyGoogle(err)
	}
	data, err := base64.URLEncoding.DecodeString(body.Data)
	if err != nil {
		if data, err = base64.RawURLEncoding.DecodeString(body.Data); err != nil {
			return nil, provider.Malformed("attachment data is not base64url")
		}
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, apperrors.ErrOversizedAttachment.WithDetail("size", len(data))
	}
	return data, nil
}

func (p *Provider) watchRequest(sub *models.Subscription) (*gmailapi.WatchRequest, error) {
	topic := p.topic
	if t := sub.Resource["topic"]; t != "" {
		topic = t
	}
	if topic == "" {
		return nil, apperrors.ErrValidation.WithDetail("message", "gmail watch requires a pub/sub topic")
	}
	req := &gmailapi.WatchRequest{TopicName: topic}
	if labels := sub.Resource["label_ids"]; labels != "" {
		for _, l := range strings.Split(labels, ",") {
			if l = strings.TrimSpace(l); l != "" {
				req.LabelIds = append(req.LabelIds, l)
			}
		}
		req.LabelFilterBehavior = "include"
	}
	return req, nil
}

// Watch registers the mailbox watch. The returned history id seeds the
// subscription's first checkpoint.
func (p *Provider) Watch(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	req, err := p.watchRequest(sub)
	if err != nil {
		return nil, err
	}
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Users.Watch(user, req).Context(ctx).Do()
	if err != nil {
		return nil, provider.ClassifyGoogle(err)
	}
	result := &provider.WatchResult{Cursor: strconv.FormatUint(resp.HistoryId, 10)}
	if resp.Expiration > 0 {
		exp := time.UnixMilli(resp.Expiration).UTC()
		result.Expiration = &exp
	}
	return result, nil
}

// Renew re-issues users.watch, which extends the existing registration.
func (p *Provider) Renew(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	return p.Watch(ctx, cred, sub)
}

func (p *Provider) Unwatch(ctx context.Context, cred *credentials.Credential, _ *models.Subscription) error {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop(user).Context(ctx).Do(); err != nil {
		return provider.ClassifyGoogle(err)
	}
	return nil
}

func (p *Provider) Schemas() []mapping.Schema {
	return []mapping.Schema{
		{Event: EventResourceAdded, Fields: []mapping.Field{
			{Name: "message_id", Path: "message_id", Type: mapping.TypeString, Required: true},
			{Name: "thread_id", Path: "thread_id", Type: mapping.TypeString},
			{Name: "subject", Path: "subject", Type: mapping.TypeString},
			{Name: "from", Path: "from", Type: mapping.TypeString},
			{Name: "to", Path: "to", Type: mapping.TypeString},
			{Name: "snippet", Path: "snippet", Type: mapping.TypeString},
			{Name: "body_text", Path: "body_text", Type: mapping.TypeString},
			{Name: "body_html", Path: "body_html", Type: mapping.TypeString},
			{Name: "label_ids", Path: "label_ids", Type: mapping.TypeArray},
			{Name: "received_at", Path: "internal_date", Type: mapping.TypeTimestamp},
		}},
		{Event: EventResourceDeleted, Fields: []mapping.Field{
			{Name: "message_id", Path: "message_id", Type: mapping.TypeString, Required: true},
			{Name: "thread_id", Path: "thread_id", Type: mapping.TypeString},
		}},
		{Event: EventLabelAdded, Fields: labelFields()},
		{Event: EventLabelRemoved, Fields: labelFields()},
	}
}

func labelFields() []mapping.Field {
	return []mapping.Field{
		{Name: "message_id", Path: "message_id", Type: mapping.TypeString, Required: true},
		{Name: "label_ids", Path: "changed_label_ids", Type: mapping.TypeArray, Required: true},
		{Name: "current_label_ids", Path: "label_ids", Type: mapping.TypeArray},
	}
}

func stringsToAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
