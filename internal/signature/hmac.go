package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"

	"triggerhub/pkg/models"
)

// Base string layouts for HMAC schemes.
const (
	BaseBody          = "body"
	BaseSlack         = "slack"          // v0:{timestamp}:{body}
	BaseTimestampBody = "timestamp_body" // {timestamp}{body}
)

func hashFunc(algorithm string) func() hash.Hash {
	if strings.EqualFold(algorithm, "sha1") {
		return sha1.New
	}
	return sha256.New
}

func signingKey(secret, encoding string) ([]byte, error) {
	if strings.EqualFold(encoding, "base64") {
		return base64.StdEncoding.DecodeString(secret)
	}
	return []byte(secret), nil
}

var errNonCanonical = errors.New("signature is not canonically encoded")

// decodeSignature accepts only the canonical encoding of a MAC, so every
// byte of the header is significant: hex must be lowercase and base64 must
// have zero padding bits.
func decodeSignature(value, encoding string) ([]byte, error) {
	if strings.EqualFold(encoding, "base64") {
		return decodeBase64(value)
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, err
	}
	if hex.EncodeToString(decoded) != value {
		return nil, errNonCanonical
	}
	return decoded, nil
}

func decodeBase64(value string) ([]byte, error) {
	decoded, err := base64.StdEncoding.Strict().DecodeString(value)
	if err != nil {
		return nil, err
	}
	if base64.StdEncoding.EncodeToString(decoded) != value {
		return nil, errNonCanonical
	}
	return decoded, nil
}

// ComputeHMAC returns the MAC of payload under the given algorithm.
func ComputeHMAC(algorithm string, key, payload []byte) []byte {
	mac := hmac.New(hashFunc(algorithm), key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (v *Verifier) verifyHMAC(msg *models.TransportMessage, sub *models.Subscription) error {
	cfg := sub.Verification
	if sub.Secret == "" {
		return unauthorized("subscription requires a signing secret but none is configured")
	}
	if cfg.Header == "" {
		return unauthorized("no signature header configured")
	}

	headerValue := strings.TrimSpace(msg.Header(cfg.Header))
	if headerValue == "" {
		return unauthorized("missing signature header %s", cfg.Header)
	}
	if cfg.Prefix != "" {
		if !strings.HasPrefix(headerValue, cfg.Prefix) {
			return unauthorized("signature header %s lacks %q prefix", cfg.Header, cfg.Prefix)
		}
		headerValue = strings.TrimPrefix(headerValue, cfg.Prefix)
	}

	provided, err := decodeSignature(headerValue, cfg.Encoding)
	if err != nil {
		return unauthorized("malformed signature in %s", cfg.Header)
	}

	payload, err := v.signedPayload(msg, cfg)
	if err != nil {
		return err
	}

	key, err := signingKey(sub.Secret, cfg.SecretEncoding)
	if err != nil {
		return unauthorized("signing secret is not valid %s", cfg.SecretEncoding)
	}

	if !hmac.Equal(provided, ComputeHMAC(cfg.Algorithm, key, payload)) {
		return unauthorized("signature mismatch")
	}
	return nil
}

func (v *Verifier) signedPayload(msg *models.TransportMessage, cfg models.Verification) ([]byte, error) {
	switch cfg.BaseFormat {
	case "", BaseBody:
		return msg.Body, nil
	case BaseSlack, BaseTimestampBody:
	default:
		return nil, unauthorized("unsupported signature base format %s", cfg.BaseFormat)
	}

	ts := strings.TrimSpace(msg.Header(cfg.TimestampHeader))
	if ts == "" {
		return nil, unauthorized("missing timestamp header %s", cfg.TimestampHeader)
	}
	if err := v.checkFreshness(ts); err != nil {
		return nil, err
	}

	if cfg.BaseFormat == BaseSlack {
		payload := make([]byte, 0, len(ts)+len(msg.Body)+4)
		payload = append(payload, "v0:"+ts+":"...)
		return append(payload, msg.Body...), nil
	}
	return append([]byte(ts), msg.Body...), nil
}

// checkFreshness accepts unix seconds or RFC 3339 timestamps.
func (v *Verifier) checkFreshness(ts string) error {
	if v.replayTolerance <= 0 {
		return nil
	}

	var sent time.Time
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil {
		sent = time.Unix(secs, 0)
	} else if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
		sent = parsed
	} else {
		return unauthorized("unparseable signature timestamp")
	}

	skew := v.now().Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.replayTolerance {
		return unauthorized("signature timestamp outside tolerance")
	}
	return nil
}

// verifyTwilio checks X-Twilio-Signature: HMAC-SHA1 over the callback URL
// followed by the sorted form parameters, base64 encoded.
func (v *Verifier) verifyTwilio(msg *models.TransportMessage, sub *models.Subscription) error {
	if sub.Secret == "" {
		return unauthorized("subscription requires an auth token but none is configured")
	}

	header := sub.Verification.Header
	if header == "" {
		header = "X-Twilio-Signature"
	}
	provided := strings.TrimSpace(msg.Header(header))
	if provided == "" {
		return unauthorized("missing signature header %s", header)
	}
	sig, err := decodeBase64(provided)
	if err != nil {
		return unauthorized("malformed signature in %s", header)
	}

	if !hmac.Equal(sig, ComputeHMAC("sha1", []byte(sub.Secret), []byte(TwilioBase(twilioURL(msg, sub), msg)))) {
		return unauthorized("signature mismatch")
	}
	return nil
}

// twilioURL is the public callback URL with the query string exactly as it
// was received. Twilio signs the raw query, so it must not be re-encoded.
func twilioURL(msg *models.TransportMessage, sub *models.Subscription) string {
	if sub.CallbackURL == "" {
		return msg.URL
	}
	if raw := rawQuery(msg.URL); raw != "" {
		return sub.CallbackURL + "?" + raw
	}
	return sub.CallbackURL
}

func rawQuery(requestURI string) string {
	if i := strings.IndexByte(requestURI, '?'); i >= 0 {
		return requestURI[i+1:]
	}
	return ""
}

// TwilioBase builds the string Twilio signs.
func TwilioBase(url string, msg *models.TransportMessage) string {
	var b strings.Builder
	b.WriteString(url)

	if !strings.EqualFold(msg.Method, "POST") {
		return b.String()
	}

	form := msg.Form()
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, val := range form[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}
	return b.String()
}
