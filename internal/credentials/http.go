package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

// HTTPSupplier fetches tokens from the credential service at
// GET {baseURL}/credentials/{ref}, caching them until shortly before expiry.
type HTTPSupplier struct {
	baseURL       string
	client        *http.Client
	refreshBuffer time.Duration
	now           func() time.Time

	mu    sync.RWMutex
	cache map[string]*Credential
}

type credentialResponse struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

func NewHTTPSupplier(baseURL string, client *http.Client) *HTTPSupplier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSupplier{
		baseURL:       baseURL,
		client:        client,
		refreshBuffer: time.Minute,
		now:           time.Now,
		cache:         make(map[string]*Credential),
	}
}

func (s *HTTPSupplier) cached(ref string) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[ref]
	if !ok {
		return nil, false
	}
	if !c.Expiry.IsZero() && !s.now().Before(c.Expiry.Add(-s.refreshBuffer)) {
		return nil, false
	}
	return c, true
}

func (s *HTTPSupplier) Get(ctx context.Context, sub *models.Subscription) (*Credential, error) {
	if c, ok := s.cached(sub.CredentialRef); ok {
		return c, nil
	}

	endpoint := fmt.Sprintf("%s/credentials/%s", s.baseURL, url.PathEscape(sub.CredentialRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential request: %w", err)
	}
	req.Header.Set("X-Subscription-ID", sub.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownCredential(sub.CredentialRef)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, transient(fmt.Errorf("credential service returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.ErrUnauthorized.WithDetail("message", fmt.Sprintf("credential service returned %d", resp.StatusCode)).AsFatal()
	}

	var body credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode credential response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, apperrors.ErrUnauthorized.WithDetail("message", "credential service returned an empty token").AsFatal()
	}

	cred := &Credential{AccessToken: body.AccessToken, Expiry: body.Expiry}
	s.mu.Lock()
	s.cache[sub.CredentialRef] = cred
	s.mu.Unlock()
	return cred, nil
}

// Invalidate drops a cached token, e.g. after a provider answered 401.
func (s *HTTPSupplier) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}
