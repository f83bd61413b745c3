// Package credentials adapts the external credential service. Token
// issuance and refresh happen elsewhere; this package only hands opaque
// tokens to provider clients.
package credentials

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"triggerhub/pkg/models"
)

// Credential is an opaque bearer credential for one subscription.
type Credential struct {
	AccessToken string
	Expiry      time.Time
}

// TokenSource exposes the credential to oauth2-aware clients.
func (c *Credential) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: c.AccessToken,
		TokenType:   "Bearer",
		Expiry:      c.Expiry,
	})
}

// HTTPClient returns a client that authenticates every request with the credential.
func (c *Credential) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.TokenSource())
}

type Supplier interface {
	Get(ctx context.Context, sub *models.Subscription) (*Credential, error)
}

// StaticSupplier serves fixed tokens keyed by credential reference.
type StaticSupplier struct {
	tokens map[string]string
}

func NewStaticSupplier(tokens map[string]string) *StaticSupplier {
	return &StaticSupplier{tokens: tokens}
}

func (s *StaticSupplier) Get(_ context.Context, sub *models.Subscription) (*Credential, error) {
	token, ok := s.tokens[sub.CredentialRef]
	if !ok {
		return nil, ErrUnknownCredential(sub.CredentialRef)
	}
	return &Credential{AccessToken: token}, nil
}

// TokenSourceSupplier wraps oauth2 token sources. Sources are wrapped in
// oauth2.ReuseTokenSource so tokens are only re-fetched near expiry.
type TokenSourceSupplier struct {
	sources map[string]oauth2.TokenSource
}

func NewTokenSourceSupplier(sources map[string]oauth2.TokenSource) *TokenSourceSupplier {
	wrapped := make(map[string]oauth2.TokenSource, len(sources))
	for ref, ts := range sources {
		wrapped[ref] = oauth2.ReuseTokenSource(nil, ts)
	}
	return &TokenSourceSupplier{sources: wrapped}
}

func (s *TokenSourceSupplier) Get(_ context.Context, sub *models.Subscription) (*Credential, error) {
	ts, ok := s.sources[sub.CredentialRef]
	if !ok {
		return nil, ErrUnknownCredential(sub.CredentialRef)
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, transient(err)
	}
	return &Credential{AccessToken: tok.AccessToken, Expiry: tok.Expiry}, nil
}
