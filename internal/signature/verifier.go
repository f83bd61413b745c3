package signature

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"triggerhub/internal/logger"
	"triggerhub/pkg/models"
)

// Verifier authenticates inbound transport messages against the scheme
// declared on the subscription.
type Verifier struct {
	tokens          TokenValidator
	issuers         []string
	replayTolerance time.Duration
	now             func() time.Time
	logger          logger.Logger
}

type Option func(*Verifier)

func WithTokenValidator(tv TokenValidator) Option {
	return func(v *Verifier) { v.tokens = tv }
}

func WithIssuers(issuers []string) Option {
	return func(v *Verifier) { v.issuers = issuers }
}

func WithReplayTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.replayTolerance = d }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(log logger.Logger, opts ...Option) *Verifier {
	if log == nil {
		log = logger.NopLogger()
	}
	v := &Verifier{
		tokens:          GoogleValidator{},
		issuers:         []string{"https://accounts.google.com", "accounts.google.com"},
		replayTolerance: 5 * time.Minute,
		now:             time.Now,
		logger:          log,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns nil when msg is authentic for sub, or a rejection error.
// Subscriptions that declare no scheme accept every message.
func (v *Verifier) Verify(ctx context.Context, msg *models.TransportMessage, sub *models.Subscription) error {
	if msg.Trusted {
		return nil
	}

	var err error
	switch sub.Verification.Scheme {
	case "", models.SchemeNone:
		return nil
	case models.SchemeHMAC:
		err = v.verifyHMAC(msg, sub)
	case models.SchemeTwilio:
		err = v.verifyTwilio(msg, sub)
	case models.SchemeSharedToken:
		err = v.verifyToken(msg, sub)
	case models.SchemeOIDC:
		err = v.verifyOIDC(ctx, msg, sub)
	default:
		err = unauthorized("unsupported verification scheme %s", sub.Verification.Scheme)
	}

	if err != nil {
		v.logger.WarnwCtx(ctx, "Signature verification failed",
			"scheme", sub.Verification.Scheme,
			"reason", Reason(err),
		)
	}
	return err
}

// verifyToken compares a shared token carried in a header, bearer credential
// or query parameter. An empty subscription secret means unauthenticated
// delivery is allowed.
func (v *Verifier) verifyToken(msg *models.TransportMessage, sub *models.Subscription) error {
	if sub.Secret == "" {
		return nil
	}

	for _, candidate := range tokenCandidates(msg, sub.Verification) {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(sub.Secret)) == 1 {
			return nil
		}
	}
	return unauthorized("missing or invalid token")
}

func tokenCandidates(msg *models.TransportMessage, cfg models.Verification) []string {
	var out []string
	for _, h := range cfg.TokenHeaders {
		if val := strings.TrimSpace(msg.Header(h)); val != "" {
			out = append(out, val)
		}
	}
	if bearer := bearerToken(msg); bearer != "" {
		out = append(out, bearer)
	}
	for _, q := range cfg.TokenQuery {
		if val := msg.Query.Get(q); val != "" {
			out = append(out, val)
		}
	}
	return out
}

func bearerToken(msg *models.TransportMessage) string {
	auth := strings.TrimSpace(msg.Header("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (v *Verifier) verifyOIDC(ctx context.Context, msg *models.TransportMessage, sub *models.Subscription) error {
	token := bearerToken(msg)
	if token == "" {
		return unauthorized("missing bearer token")
	}

	audience := sub.Verification.Audience
	if audience == "" {
		audience = sub.CallbackURL
	}
	if audience == "" {
		return unauthorized("subscription has no registered audience")
	}

	claims, err := v.tokens.Validate(ctx, token, audience)
	if err != nil {
		return unauthorized("invalid bearer token: %v", err)
	}

	issuers := sub.Verification.Issuers
	if len(issuers) == 0 {
		issuers = v.issuers
	}
	if !contains(issuers, claims.Issuer) {
		return unauthorized("unexpected token issuer %s", claims.Issuer)
	}

	if want := sub.Verification.ServiceAccount; want != "" {
		if !strings.EqualFold(claims.Email, want) || !claims.EmailVerified {
			return forbidden("token not issued to service account %s", want)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
