package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/internal/checkpoint"
	"triggerhub/internal/credentials"
	"triggerhub/internal/filtering"
	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	pkgerrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

// watchedMailbox is a thin-push provider that needs a provider-side watch.
type watchedMailbox struct {
	mu        sync.Mutex
	watches   int
	renewals  int
	unwatched []string
	secret    string
	watchErr  error
	renewErr  error
}

func (p *watchedMailbox) Kind() models.ProviderKind { return models.ProviderGmail }
func (p *watchedMailbox) Style() provider.Style     { return provider.ThinPush }
func (p *watchedMailbox) Schemas() []mapping.Schema { return nil }

func (p *watchedMailbox) DefaultVerification() models.Verification {
	return models.Verification{Scheme: models.SchemeOIDC}
}

func (p *watchedMailbox) Decode(context.Context, *models.TransportMessage, *models.Subscription) (*provider.Notification, error) {
	return &provider.Notification{}, nil
}

func (p *watchedMailbox) Map(context.Context, provider.MapRequest) ([]mapping.Candidate, error) {
	return nil, nil
}

func (p *watchedMailbox) Watch(_ context.Context, _ *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.watches++
	exp := time.Now().Add(time.Hour)
	return &provider.WatchResult{
		Cursor:     "100",
		ExternalID: "channel-" + sub.ID,
		Expiration: &exp,
		Secret:     p.secret,
		Resource:   map[string]string{"topic": "projects/p/topics/mail"},
	}, nil
}

func (p *watchedMailbox) Renew(_ context.Context, _ *credentials.Credential, sub *models.Subscription) (*provider.WatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.renewErr != nil {
		return nil, p.renewErr
	}
	p.renewals++
	exp := time.Now().Add(7 * 24 * time.Hour)
	return &provider.WatchResult{Cursor: "999", ExternalID: sub.ExternalID, Expiration: &exp}, nil
}

func (p *watchedMailbox) Unwatch(_ context.Context, _ *credentials.Credential, sub *models.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unwatched = append(p.unwatched, sub.ExternalID)
	return nil
}

// plainHook is a fat-payload provider without a watch.
type plainHook struct{}

func (plainHook) Kind() models.ProviderKind { return models.ProviderLinear }
func (plainHook) Style() provider.Style     { return provider.FatPayload }
func (plainHook) Schemas() []mapping.Schema { return nil }

func (plainHook) DefaultVerification() models.Verification {
	return models.Verification{Scheme: models.SchemeHMAC, Header: "Linear-Signature"}
}

func (plainHook) Decode(context.Context, *models.TransportMessage, *models.Subscription) (*provider.Notification, error) {
	return &provider.Notification{}, nil
}

func (plainHook) Map(context.Context, provider.MapRequest) ([]mapping.Candidate, error) {
	return nil, nil
}

type fixture struct {
	service *Service
	repo    *MemoryRepository
	store   *checkpoint.MemoryStore
	audit   *MemoryAudit
	mailbox *watchedMailbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := filtering.NewEngine(nil)
	require.NoError(t, err)

	mailbox := &watchedMailbox{}
	repo := NewMemoryRepository()
	store := checkpoint.NewMemoryStore()
	audit := NewMemoryAudit()
	svc := NewService(repo,
		provider.NewRegistry(mailbox, plainHook{}),
		engine,
		credentials.NewStaticSupplier(map[string]string{"cred-1": "tok"}),
		store,
		nil,
		WithAudit(audit),
		WithPublicBaseURL("https://hooks.example.com/"),
	)
	return &fixture{service: svc, repo: repo, store: store, audit: audit, mailbox: mailbox}
}

func TestCreateRegistersWatchAndSeedsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.Create(ctx, CreateRequest{
		Provider:      models.ProviderGmail,
		CredentialRef: "cred-1",
		Events:        []string{"email_received"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "https://hooks.example.com/webhooks/"+view.ID, view.CallbackURL)
	assert.Equal(t, models.SchemeOIDC, view.Verification.Scheme)
	assert.Equal(t, "channel-"+view.ID, view.ExternalID)
	assert.Equal(t, "100", view.WatchCursor)
	assert.NotNil(t, view.WatchExpiration)
	assert.Equal(t, "projects/p/topics/mail", view.Resource["topic"])
	assert.Equal(t, 1, f.mailbox.watches)

	cursor, found, err := f.store.Read(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "100", cursor)

	logs, err := f.service.AuditLogs(ctx, view.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActionCreate, logs[0].Action)
	assert.Equal(t, "system", logs[0].ChangedBy)
}

func TestCreateRejectsInvalidFilter(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), CreateRequest{
		Provider:      models.ProviderGmail,
		CredentialRef: "cred-1",
		Filters: map[string]models.FilterRule{
			"email_received": {Predicates: []models.Predicate{{Field: "subject", Operator: models.OpRegex, Value: "(unclosed"}}},
		},
	})
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Zero(t, f.mailbox.watches)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{
			name: "unknown provider",
			req:  CreateRequest{Provider: "myspace"},
		},
		{
			name: "duplicate event",
			req:  CreateRequest{Provider: models.ProviderLinear, Secret: "s", Events: []string{"issue_created", "issue_created"}},
		},
		{
			name: "unknown operator",
			req: CreateRequest{Provider: models.ProviderLinear, Secret: "s", Filters: map[string]models.FilterRule{
				"*": {Predicates: []models.Predicate{{Field: "priority", Operator: "greater", Value: "1"}}},
			}},
		},
		{
			name: "hmac without secret",
			req:  CreateRequest{Provider: models.ProviderLinear},
		},
		{
			name: "unknown scheme",
			req:  CreateRequest{Provider: models.ProviderLinear, Verification: &models.Verification{Scheme: "md5"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.service.Create(context.Background(), tt.req)
			assert.True(t, pkgerrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestCreateAcceptsProviderIssuedSecret(t *testing.T) {
	f := newFixture(t)
	f.mailbox.secret = "issued"

	view, err := f.service.Create(context.Background(), CreateRequest{
		Provider:      models.ProviderGmail,
		CredentialRef: "cred-1",
		Verification:  &models.Verification{Scheme: models.SchemeHMAC, Header: "X-Mac"},
	})
	require.NoError(t, err)

	stored, err := f.repo.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, "issued", stored.Secret)
}

func TestCreateReleasesWatchWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := CreateRequest{ID: "sub-1", Provider: models.ProviderGmail, CredentialRef: "cred-1"}
	_, err := f.service.Create(ctx, req)
	require.NoError(t, err)

	_, err = f.service.Create(ctx, req)
	assert.True(t, pkgerrors.IsConflict(err))
	assert.Equal(t, []string{"channel-sub-1"}, f.mailbox.unwatched)
}

func TestCreateWithoutCredentialFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), CreateRequest{Provider: models.ProviderGmail, CredentialRef: "missing"})
	assert.Error(t, err)
	assert.Zero(t, f.mailbox.watches)
}

func TestUpdateMergesAndValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.Create(ctx, CreateRequest{Provider: models.ProviderLinear, Secret: "s", Events: []string{"issue_created"}})
	require.NoError(t, err)

	events := []string{"issue_created", "issue_updated"}
	updated, err := f.service.Update(WithChangedBy(ctx, "alice"), view.ID, UpdateRequest{Events: &events})
	require.NoError(t, err)
	assert.Equal(t, events, updated.Events)

	bad := map[string]models.FilterRule{"*": {Expression: "fields.priority >"}}
	_, err = f.service.Update(ctx, view.ID, UpdateRequest{Filters: &bad})
	assert.True(t, pkgerrors.IsValidation(err))

	empty := ""
	_, err = f.service.Update(ctx, view.ID, UpdateRequest{Secret: &empty})
	assert.True(t, pkgerrors.IsValidation(err))

	logs, err := f.service.AuditLogs(ctx, view.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, ActionUpdate, logs[0].Action)
	assert.Equal(t, "alice", logs[0].ChangedBy)
	assert.NotContains(t, logs[0].NewValue, "secret")

	_, err = f.service.Update(ctx, "missing", UpdateRequest{Events: &events})
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestDeleteReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.Create(ctx, CreateRequest{Provider: models.ProviderGmail, CredentialRef: "cred-1"})
	require.NoError(t, err)

	runCtx, release := f.service.Tracker().Track(ctx, view.ID)
	defer release()

	require.NoError(t, f.service.Delete(ctx, view.ID))

	assert.ErrorIs(t, runCtx.Err(), context.Canceled)
	assert.Equal(t, []string{"channel-" + view.ID}, f.mailbox.unwatched)
	_, found, err := f.store.Read(ctx, view.ID)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = f.service.Get(ctx, view.ID)
	assert.True(t, pkgerrors.IsNotFound(err))

	assert.True(t, pkgerrors.IsNotFound(f.service.Delete(ctx, view.ID)))
}

func TestRenewKeepsCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.Create(ctx, CreateRequest{Provider: models.ProviderGmail, CredentialRef: "cred-1"})
	require.NoError(t, err)
	before := *view.WatchExpiration

	renewed, err := f.service.Renew(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.mailbox.renewals)
	assert.Equal(t, "100", renewed.WatchCursor)
	assert.Equal(t, "100", renewed.Checkpoint)
	assert.True(t, renewed.WatchExpiration.After(before))
}

func TestRenewWithoutWatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.Create(ctx, CreateRequest{Provider: models.ProviderLinear, Secret: "s"})
	require.NoError(t, err)

	_, err = f.service.Renew(ctx, view.ID)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestRenewFailureIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.Create(ctx, CreateRequest{Provider: models.ProviderGmail, CredentialRef: "cred-1"})
	require.NoError(t, err)

	f.mailbox.renewErr = errors.New("quota exceeded")
	_, err = f.service.Renew(ctx, view.ID)
	assert.Error(t, err)
}

func TestListByProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, CreateRequest{Provider: models.ProviderGmail, CredentialRef: "cred-1"})
	require.NoError(t, err)
	_, err = f.service.Create(ctx, CreateRequest{Provider: models.ProviderLinear, Secret: "s"})
	require.NoError(t, err)

	all, err := f.service.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	linear, err := f.service.List(ctx, models.ProviderLinear)
	require.NoError(t, err)
	require.Len(t, linear, 1)
	assert.Equal(t, models.ProviderLinear, linear[0].Provider)

	none, err := f.service.List(ctx, models.ProviderSlack)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
