// Package drive implements the Google Drive thin-push variant. Drive push
// channels only announce that the change log moved; changes are read back
// with changes.list starting at the stored page token.
package drive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	driveapi "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"triggerhub/internal/credentials"
	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

const (
	EventFileChanged = "file_changed"
	EventFileRemoved = "file_removed"
)

// Drive push headers.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderMessageNumber = "X-Goog-Message-Number"
)

// ResourceChannelID is the Resource key holding the channel resource id
// needed to stop a push channel.
const ResourceChannelID = "channel_resource_id"

// channelTTL is the longest expiration Drive accepts for change channels.
const channelTTL = 7 * 24 * time.Hour

const googleAppsPrefix = "application/vnd.google-apps."

var changeFields = googleapi.Field("nextPageToken,newStartPageToken,changes(changeType,fileId,removed,time," +
	"file(id,name,mimeType,size,modifiedTime,createdTime,parents,trashed,webViewLink,webContentLink," +
	"lastModifyingUser(displayName,emailAddress)))")

type Option func(*Provider)

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) { p.clientOptions = append(p.clientOptions, opts...) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

type Provider struct {
	clientOptions []option.ClientOption
	now           func() time.Time
}

func New(opts ...Option) *Provider {
	p := &Provider{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() models.ProviderKind { return models.ProviderDrive }

func (p *Provider) Style() provider.Style { return provider.ThinPush }

// DefaultVerification checks the channel token set at watch time, which is
// the subscription secret.
func (p *Provider) DefaultVerification() models.Verification {
	return models.Verification{
		Scheme:       models.SchemeSharedToken,
		TokenHeaders: []string{HeaderChannelToken},
	}
}

func (p *Provider) Compare(a, b string) int { return provider.CompareNumeric(a, b) }

func (p *Provider) service(ctx context.Context, cred *credentials.Credential) (*driveapi.Service, error) {
	if cred == nil {
		return nil, apperrors.ErrUnauthorized.WithDetail("message", "google drive requires a credential")
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(cred.HTTPClient(ctx))}, p.clientOptions...)
	svc, err := driveapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	return svc, nil
}

// Decode reads the channel headers. The body is empty and the push carries
// no page token, so every change notification reconciles.
func (p *Provider) Decode(_ context.Context, msg *models.TransportMessage, sub *models.Subscription) (*provider.Notification, error) {
	state := strings.ToLower(msg.Header(HeaderResourceState))
	channel := msg.Header(HeaderChannelID)
	if state == "" || channel == "" {
		return nil, provider.Malformed("drive push is missing channel headers")
	}
	n := &provider.Notification{
		EventType:  "changes_" + state,
		DeliveryID: channel + ":" + msg.Header(HeaderMessageNumber),
		Payload: map[string]interface{}{
			"channel_id":     channel,
			"resource_state": state,
		},
		RawBody:    msg.Body,
		OccurredAt: msg.ReceivedAt,
	}
	// sync is sent once when the channel opens.
	if state == "sync" {
		n.Ignore = true
	}
	if sub.ExternalID != "" && sub.ExternalID != channel {
		n.Ignore = true
	}
	return n, nil
}

// ListChangesSince resumes at pageToken when set, else at cursor. Drive
// page tokens are resumable positions, so an unfinished listing may
// commit the next page token.
func (p *Provider) ListChangesSince(ctx context.Context, cred *credentials.Credential, sub *models.Subscription, cursor, pageToken string) (*provider.Page, error) {
	token := cursor
	if pageToken != "" {
		token = pageToken
	}
	if token == "" {
		return nil, provider.ErrCursorExpired
	}
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	call := svc.Changes.List(token).
		IncludeRemoved(true).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Fields(changeFields).
		Context(ctx)
	resp, err := call.Do()
	if err != nil {
		if code := provider.GoogleStatus(err); code == http.StatusNotFound || code == http.StatusGone {
			return nil, provider.ErrCursorExpired
		}
		return nil, provider.ClassifyGoogle(err)
	}

	page := &provider.Page{NextPageToken: resp.NextPageToken, CaughtUp: resp.NextPageToken == ""}
	if page.CaughtUp {
		page.Cursor = resp.NewStartPageToken
	} else {
		page.Cursor = resp.NextPageToken
	}

	folder := sub.Resource["folder_id"]
	for _, ch := range resp.Changes {
		if ch.ChangeType != "" && ch.ChangeType != "file" {
			continue
		}
		if folder != "" && !ch.Removed && (ch.File == nil || !contains(ch.File.Parents, folder)) {
			continue
		}
		page.Records = append(page.Records, record(ch, token))
	}
	return page, nil
}

func record(ch *driveapi.Change, pos string) models.ChangeRecord {
	family := models.FamilyUpdated
	if ch.Removed || (ch.File != nil && ch.File.Trashed) {
		family = models.FamilyDeleted
	}
	data := map[string]interface{}{
		"file_id": ch.FileId,
		"time":    ch.Time,
		"removed": ch.Removed,
	}
	if f := ch.File; f != nil {
		data["name"] = f.Name
		data["mime_type"] = f.MimeType
		data["size"] = float64(f.Size)
		if f.ModifiedTime != "" {
			data["modified_time"] = f.ModifiedTime
		}
		if f.CreatedTime != "" {
			data["created_time"] = f.CreatedTime
		}
		data["parents"] = stringsToAny(f.Parents)
		data["trashed"] = f.Trashed
		data["web_view_link"] = f.WebViewLink
		if f.LastModifyingUser != nil {
			data["last_modifying_user"] = map[string]interface{}{
				"display_name":  f.LastModifyingUser.DisplayName,
				"email_address": f.LastModifyingUser.EmailAddress,
			}
		}
	}
	return models.ChangeRecord{Family: family, NativeID: ch.FileId, Position: pos, Data: data}
}

func (p *Provider) LatestCursor(ctx context.Context, cred *credentials.Credential, _ *models.Subscription) (string, error) {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return "", err
	}
	resp, err := svc.Changes.GetStartPageToken().SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", provider.ClassifyGoogle(err)
	}
	return resp.StartPageToken, nil
}

// Map emits one event per change. The change time is part of the change
// kind so repeated edits of the same file stay distinct.
func (p *Provider) Map(_ context.Context, req provider.MapRequest) ([]mapping.Candidate, error) {
	if req.Change == nil {
		return nil, nil
	}
	ch := req.Change
	name := EventFileChanged
	if ch.Family == models.FamilyDeleted {
		name = EventFileRemoved
	}
	changedAt, _ := ch.Data["time"].(string)
	c := mapping.Candidate{
		Name:       name,
		NativeID:   ch.NativeID,
		ChangeKind: ch.Family + "@" + changedAt,
		Data:       ch.Data,
	}
	if req.Notification != nil {
		c.DeliveryID = req.Notification.DeliveryID
	}
	if t, ok := mapping.ParseTimestamp(changedAt); ok {
		c.OccurredAt = t.UTC()
	}
	if ref, ok := attachment(ch); ok {
		c.Attachments = []models.AttachmentReference{ref}
	}
	return []mapping.Candidate{c}, nil
}

// attachment exposes the file content of binary files. Native Google
// documents have no downloadable body.
func attachment(ch *models.ChangeRecord) (models.AttachmentReference, bool) {
	if ch.Family != models.FamilyUpdated || ch.NativeID == "" {
		return models.AttachmentReference{}, false
	}
	mime, _ := ch.Data["mime_type"].(string)
	if mime == "" || strings.HasPrefix(mime, googleAppsPrefix) {
		return models.AttachmentReference{}, false
	}
	ref := models.AttachmentReference{SourceID: ch.NativeID, ContentType: mime}
	ref.Name, _ = ch.Data["name"].(string)
	ref.SourceURL, _ = ch.Data["web_view_link"].(string)
	if size, ok := ch.Data["size"].(float64); ok {
		ref.Size = int64(size)
	}
	return ref, true
}

func (p *Provider) FetchAttachment(ctx context.Context, cred *credentials.Credential, _ *models.Subscription, ref models.AttachmentReference, limit int64) ([]byte, error) {
	if limit > 0 && ref.Size > limit {
		return nil, apperrors.ErrOversizedAttachment.WithDetail("size", ref.Size)
	}
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Files.Get(ref.SourceID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, provider.ClassifyGoogle(err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("failed to read drive file: %w", err))
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, apperrors.ErrOversizedAttachment.WithDetail("size", len(data))
	}
	return data, nil
}

// Watch opens a push channel on the change log. The channel token is the
// subscription secret and the start page token seeds the checkpoint.
func (p *Provider) Watch(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	if sub.CallbackURL == "" {
		return nil, apperrors.ErrValidation.WithDetail("message", "drive watch requires a callback url")
	}
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	start, err := svc.Changes.GetStartPageToken().SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, provider.ClassifyGoogle(err)
	}

	channel := &driveapi.Channel{
		Id:         uuid.NewString(),
		Type:       "web_hook",
		Address:    sub.CallbackURL,
		Token:      sub.Secret,
		Expiration: p.now().Add(channelTTL).UnixMilli(),
	}
	resp, err := svc.Changes.Watch(start.StartPageToken, channel).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).Do()
	if err != nil {
		return nil, provider.ClassifyGoogle(err)
	}

	result := &provider.WatchResult{
		Cursor:     start.StartPageToken,
		ExternalID: resp.Id,
		Resource:   map[string]string{ResourceChannelID: resp.ResourceId},
	}
	if resp.Expiration > 0 {
		exp := time.UnixMilli(resp.Expiration).UTC()
		result.Expiration = &exp
	}
	return result, nil
}

// Renew replaces the channel; Drive channels cannot be extended. The
// checkpoint is kept, so the new start token is not returned as a cursor.
func (p *Provider) Renew(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	result, err := p.Watch(ctx, cred, sub)
	if err != nil {
		return nil, err
	}
	if err := p.Unwatch(ctx, cred, sub); err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}
	result.Cursor = ""
	return result, nil
}

func (p *Provider) Unwatch(ctx context.Context, cred *credentials.Credential, sub *models.Subscription) error {
	if sub.ExternalID == "" {
		return nil
	}
	svc, err := p.service(ctx, cred)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&driveapi.Channel{Id: sub.ExternalID, ResourceId: sub.Resource[ResourceChannelID]}).Context(ctx).Do()
	if err != nil {
		if provider.GoogleStatus(err) == http.StatusNotFound {
			return nil
		}
		return provider.ClassifyGoogle(err)
	}
	return nil
}

func (p *Provider) Schemas() []mapping.Schema {
	return []mapping.Schema{
		{Event: EventFileChanged, Fields: []mapping.Field{
			{Name: "file_id", Path: "file_id", Type: mapping.TypeString, Required: true},
			{Name: "name", Path: "name", Type: mapping.TypeString},
			{Name: "mime_type", Path: "mime_type", Type: mapping.TypeString},
			{Name: "modified_time", Path: "modified_time", Type: mapping.TypeTimestamp},
			{Name: "parents", Path: "parents", Type: mapping.TypeArray},
			{Name: "web_view_link", Path: "web_view_link", Type: mapping.TypeString},
			{Name: "modified_by", Path: "last_modifying_user.email_address", Type: mapping.TypeString},
		}},
		{Event: EventFileRemoved, Fields: []mapping.Field{
			{Name: "file_id", Path: "file_id", Type: mapping.TypeString, Required: true},
			{Name: "name", Path: "name", Type: mapping.TypeString},
			{Name: "removed_at", Path: "time", Type: mapping.TypeTimestamp},
		}},
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func stringsToAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
