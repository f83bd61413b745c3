package signature

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier(opts ...Option) *Verifier {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewVerifier(nil, opts...)
}

func githubSubscription() *models.Subscription {
	return &models.Subscription{
		ID:       "sub-gh",
		Provider: models.ProviderGitHub,
		Secret:   "It's a Secret to Everybody",
		Verification: models.Verification{
			Scheme:   models.SchemeHMAC,
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Encoding: "hex",
		},
	}
}

func signedMessage(body []byte, header, value string) *models.TransportMessage {
	h := http.Header{}
	h.Set(header, value)
	return &models.TransportMessage{Body: body, Headers: h, Method: http.MethodPost}
}

func TestHMACAcceptsValidSignature(t *testing.T) {
	sub := githubSubscription()
	body := []byte("Hello, World!")
	sig := "sha256=" + hex.EncodeToString(ComputeHMAC("sha256", []byte(sub.Secret), body))

	err := newTestVerifier().Verify(context.Background(), signedMessage(body, "X-Hub-Signature-256", sig), sub)
	assert.NoError(t, err)
}

func TestHMACRejectsTampering(t *testing.T) {
	sub := githubSubscription()
	body := []byte(`{"action":"opened","issue":{"number":1}}`)
	good := hex.EncodeToString(ComputeHMAC("sha256", []byte(sub.Secret), body))
	v := newTestVerifier()

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		err := v.Verify(context.Background(), signedMessage(tampered, "X-Hub-Signature-256", "sha256="+good), sub)
		require.Error(t, err, "byte %d", i)
		assert.True(t, IsRejected(err))
	}

	for i := range good {
		sig := []byte(good)
		if sig[i] == 'a' {
			sig[i] = 'b'
		} else {
			sig[i] = 'a'
		}
		err := v.Verify(context.Background(), signedMessage(body, "X-Hub-Signature-256", "sha256="+string(sig)), sub)
		assert.Error(t, err, "signature byte %d", i)
	}
}

func TestHMACRejectionStatus(t *testing.T) {
	tests := []struct {
		name string
		sub  func() *models.Subscription
		msg  *models.TransportMessage
	}{
		{
			name: "missing header",
			sub:  githubSubscription,
			msg:  &models.TransportMessage{Body: []byte("x"), Headers: http.Header{}},
		},
		{
			name: "missing secret",
			sub: func() *models.Subscription {
				s := githubSubscription()
				s.Secret = ""
				return s
			},
			msg: signedMessage([]byte("x"), "X-Hub-Signature-256", "sha256=00"),
		},
		{
			name: "missing prefix",
			sub:  githubSubscription,
			msg:  signedMessage([]byte("x"), "X-Hub-Signature-256", "00ff"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestVerifier().Verify(context.Background(), tt.msg, tt.sub())
			require.Error(t, err)
			assert.Equal(t, http.StatusUnauthorized, apperrors.ToHTTPStatus(err))
		})
	}
}

func TestSlackTimestampedSignature(t *testing.T) {
	sub := &models.Subscription{
		Secret: "slack-signing-secret",
		Verification: models.Verification{
			Scheme:          models.SchemeHMAC,
			Header:          "X-Slack-Signature",
			Prefix:          "v0=",
			Encoding:        "hex",
			TimestampHeader: "X-Slack-Request-Timestamp",
			BaseFormat:      BaseSlack,
		},
	}
	body := []byte(`{"type":"event_callback"}`)

	sign := func(ts time.Time) *models.TransportMessage {
		stamp := strconv.FormatInt(ts.Unix(), 10)
		mac := ComputeHMAC("sha256", []byte(sub.Secret), []byte("v0:"+stamp+":"+string(body)))
		msg := signedMessage(body, "X-Slack-Signature", "v0="+hex.EncodeToString(mac))
		msg.Headers.Set("X-Slack-Request-Timestamp", stamp)
		return msg
	}

	v := newTestVerifier()
	assert.NoError(t, v.Verify(context.Background(), sign(fixedNow.Add(-time.Minute)), sub))
	assert.Error(t, v.Verify(context.Background(), sign(fixedNow.Add(-time.Hour)), sub))
}

func TestZendeskBase64TimestampBody(t *testing.T) {
	sub := &models.Subscription{
		Secret: "zendesk-secret",
		Verification: models.Verification{
			Scheme:          models.SchemeHMAC,
			Header:          "X-Zendesk-Webhook-Signature",
			Encoding:        "base64",
			TimestampHeader: "X-Zendesk-Webhook-Signature-Timestamp",
			BaseFormat:      BaseTimestampBody,
		},
	}
	body := []byte(`{"type":"zen:event-type:ticket.created"}`)
	ts := fixedNow.Format(time.RFC3339)
	mac := ComputeHMAC("sha256", []byte(sub.Secret), append([]byte(ts), body...))

	msg := signedMessage(body, "X-Zendesk-Webhook-Signature", base64.StdEncoding.EncodeToString(mac))
	msg.Headers.Set("X-Zendesk-Webhook-Signature-Timestamp", ts)

	assert.NoError(t, newTestVerifier().Verify(context.Background(), msg, sub))
}

func TestAirtableBase64Secret(t *testing.T) {
	secret := []byte("airtable-mac-secret")
	sub := &models.Subscription{
		Secret: base64.StdEncoding.EncodeToString(secret),
		Verification: models.Verification{
			Scheme:         models.SchemeHMAC,
			Header:         "X-Airtable-Content-MAC",
			Prefix:         "hmac-sha256=",
			Encoding:       "hex",
			SecretEncoding: "base64",
		},
	}
	body := []byte(`{"base":{"id":"app1"},"webhook":{"id":"ach1"}}`)
	sig := "hmac-sha256=" + hex.EncodeToString(ComputeHMAC("sha256", secret, body))

	assert.NoError(t, newTestVerifier().Verify(context.Background(), signedMessage(body, "X-Airtable-Content-MAC", sig), sub))
}

func TestTwilioSignature(t *testing.T) {
	sub := &models.Subscription{
		Secret:       "12345",
		CallbackURL:  "https://mycompany.com/myapp.php?foo=1&bar=2",
		Verification: models.Verification{Scheme: models.SchemeTwilio},
	}
	form := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	body := []byte(form.Encode())
	msg := &models.TransportMessage{Body: body, Method: http.MethodPost, Headers: http.Header{}}
	base := TwilioBase(sub.CallbackURL, msg)
	assert.Equal(t, "https://mycompany.com/myapp.php?foo=1&bar=2CallSidCA1234567890ABCDECaller+12349013030Digits1234From+12349013030To+18005551212", base)

	msg.Headers.Set("X-Twilio-Signature", base64.StdEncoding.EncodeToString(ComputeHMAC("sha1", []byte(sub.Secret), []byte(base))))
	assert.NoError(t, newTestVerifier().Verify(context.Background(), msg, sub))

	msg.Body = []byte(form.Encode() + "&Extra=1")
	assert.Error(t, newTestVerifier().Verify(context.Background(), msg, sub))
}

func TestSharedToken(t *testing.T) {
	sub := &models.Subscription{
		Secret: "feed-token",
		Verification: models.Verification{
			Scheme:       models.SchemeSharedToken,
			TokenHeaders: []string{"X-RssHub-Token", "X-Api-Key"},
			TokenQuery:   []string{"token", "api_key"},
		},
	}
	v := newTestVerifier()

	header := &models.TransportMessage{Headers: http.Header{"X-Api-Key": {"feed-token"}}}
	assert.NoError(t, v.Verify(context.Background(), header, sub))

	bearer := &models.TransportMessage{Headers: http.Header{"Authorization": {"Bearer feed-token"}}}
	assert.NoError(t, v.Verify(context.Background(), bearer, sub))

	query := &models.TransportMessage{Headers: http.Header{}, Query: url.Values{"api_key": {"feed-token"}}}
	assert.NoError(t, v.Verify(context.Background(), query, sub))

	wrong := &models.TransportMessage{Headers: http.Header{"X-Rsshub-Token": {"nope"}}}
	assert.Error(t, v.Verify(context.Background(), wrong, sub))

	sub.Secret = ""
	assert.NoError(t, v.Verify(context.Background(), wrong, sub), "no key configured allows unauthenticated delivery")
}

func TestNoSchemeIsAuthentic(t *testing.T) {
	sub := &models.Subscription{Verification: models.Verification{Scheme: models.SchemeNone}}
	assert.NoError(t, newTestVerifier().Verify(context.Background(), &models.TransportMessage{}, sub))
}

func TestOIDCBearer(t *testing.T) {
	secret := []byte("oidc-test-key")
	audience := "https://hooks.example.com/webhooks/sub-gmail"
	sub := &models.Subscription{
		CallbackURL: audience,
		Verification: models.Verification{
			Scheme:         models.SchemeOIDC,
			ServiceAccount: "push@project.iam.gserviceaccount.com",
		},
	}
	v := newTestVerifier(WithTokenValidator(&JWTValidator{HMACSecret: secret}))

	mint := func(claims jwt.MapClaims) *models.TransportMessage {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		require.NoError(t, err)
		return &models.TransportMessage{Headers: http.Header{"Authorization": {"Bearer " + tok}}}
	}
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":            "https://accounts.google.com",
			"aud":            audience,
			"exp":            time.Now().Add(time.Hour).Unix(),
			"email":          "push@project.iam.gserviceaccount.com",
			"email_verified": true,
		}
	}

	assert.NoError(t, v.Verify(context.Background(), mint(base()), sub))

	wrongAud := base()
	wrongAud["aud"] = "https://elsewhere"
	err := v.Verify(context.Background(), mint(wrongAud), sub)
	assert.Equal(t, http.StatusUnauthorized, apperrors.ToHTTPStatus(err))

	expired := base()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	assert.Error(t, v.Verify(context.Background(), mint(expired), sub))

	wrongIssuer := base()
	wrongIssuer["iss"] = "https://evil.example"
	assert.Error(t, v.Verify(context.Background(), mint(wrongIssuer), sub))

	otherAccount := base()
	otherAccount["email"] = "intruder@project.iam.gserviceaccount.com"
	err = v.Verify(context.Background(), mint(otherAccount), sub)
	assert.Equal(t, http.StatusForbidden, apperrors.ToHTTPStatus(err))

	err = v.Verify(context.Background(), &models.TransportMessage{Headers: http.Header{}}, sub)
	assert.Equal(t, http.StatusUnauthorized, apperrors.ToHTTPStatus(err))
}

func TestTrustedMessagesSkipVerification(t *testing.T) {
	msg := &models.TransportMessage{Trusted: true}
	assert.NoError(t, newTestVerifier().Verify(context.Background(), msg, githubSubscription()))
}

func TestSignatureEncodingIsCanonical(t *testing.T) {
	v := newTestVerifier()

	t.Run("hex case", func(t *testing.T) {
		sub := githubSubscription()
		body := []byte(`{"ref":"refs/heads/main"}`)
		good := hex.EncodeToString(ComputeHMAC("sha256", []byte(sub.Secret), body))
		require.NoError(t, v.Verify(context.Background(), signedMessage(body, "X-Hub-Signature-256", "sha256="+good), sub))

		for i, ch := range good {
			if ch < 'a' || ch > 'f' {
				continue
			}
			sig := []byte(good)
			sig[i] = byte(ch) - 'a' + 'A'
			err := v.Verify(context.Background(), signedMessage(body, "X-Hub-Signature-256", "sha256="+string(sig)), sub)
			assert.True(t, IsRejected(err), "signature byte %d", i)
		}
	})

	t.Run("base64 padding bits", func(t *testing.T) {
		sub := &models.Subscription{
			Secret: "woo-secret",
			Verification: models.Verification{
				Scheme:   models.SchemeHMAC,
				Header:   "X-WC-Webhook-Signature",
				Encoding: "base64",
			},
		}
		body := []byte(`{"id":101,"status":"processing"}`)
		good := base64.StdEncoding.EncodeToString(ComputeHMAC("sha256", []byte(sub.Secret), body))
		require.NoError(t, v.Verify(context.Background(), signedMessage(body, "X-WC-Webhook-Signature", good), sub))

		const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
		last := len(good) - 2
		sig := []byte(good)
		sig[last] = alphabet[strings.IndexByte(alphabet, sig[last])^1]

		err := v.Verify(context.Background(), signedMessage(body, "X-WC-Webhook-Signature", string(sig)), sub)
		assert.True(t, IsRejected(err))
	})
}

func TestTwilioSignsRawQuery(t *testing.T) {
	sub := &models.Subscription{
		Secret:       "12345",
		CallbackURL:  "https://hooks.example.com/webhooks/sub-tw",
		Verification: models.Verification{Scheme: models.SchemeTwilio},
	}
	body := []byte(url.Values{"From": {"+12349013030"}, "Body": {"hi"}}.Encode())
	msg := &models.TransportMessage{
		Body:    body,
		Method:  http.MethodPost,
		URL:     "/webhooks/sub-tw?z=1&a=hello%20world",
		Query:   url.Values{"z": {"1"}, "a": {"hello world"}},
		Headers: http.Header{},
	}
	signedURL := sub.CallbackURL + "?z=1&a=hello%20world"
	sig := ComputeHMAC("sha1", []byte(sub.Secret), []byte(TwilioBase(signedURL, msg)))
	msg.Headers.Set("X-Twilio-Signature", base64.StdEncoding.EncodeToString(sig))

	assert.NoError(t, newTestVerifier().Verify(context.Background(), msg, sub))
}
