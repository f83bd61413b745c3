package signature

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

// Claims is the subset of an OIDC token the verifier inspects.
type Claims struct {
	Issuer        string
	Audience      string
	Email         string
	EmailVerified bool
	Expires       time.Time
}

// TokenValidator validates a bearer token signature and audience.
type TokenValidator interface {
	Validate(ctx context.Context, token, audience string) (*Claims, error)
}

// GoogleValidator validates Google-signed ID tokens, as attached to Pub/Sub
// push deliveries.
type GoogleValidator struct{}

func (GoogleValidator) Validate(ctx context.Context, token, audience string) (*Claims, error) {
	payload, err := idtoken.Validate(ctx, token, audience)
	if err != nil {
		return nil, err
	}

	claims := &Claims{
		Issuer:   payload.Issuer,
		Audience: payload.Audience,
		Expires:  time.Unix(payload.Expires, 0),
	}
	if email, ok := payload.Claims["email"].(string); ok {
		claims.Email = email
	}
	if verified, ok := payload.Claims["email_verified"].(bool); ok {
		claims.EmailVerified = verified
	}
	return claims, nil
}

// JWTValidator validates tokens signed with a known HMAC secret or RSA key.
// It serves non-Google issuers.
type JWTValidator struct {
	HMACSecret []byte
	PublicKey  *rsa.PublicKey
}

func (j *JWTValidator) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(j.HMACSecret) == 0 {
			return nil, fmt.Errorf("hmac tokens not accepted")
		}
		return j.HMACSecret, nil
	case *jwt.SigningMethodRSA:
		if j.PublicKey == nil {
			return nil, fmt.Errorf("rsa tokens not accepted")
		}
		return j.PublicKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}

func (j *JWTValidator) Validate(_ context.Context, token, audience string) (*Claims, error) {
	parsed, err := jwt.Parse(token, j.keyFunc,
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512"}),
	)
	if err != nil {
		return nil, err
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	claims := &Claims{Audience: audience}
	claims.Issuer, _ = mapClaims.GetIssuer()
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.Expires = exp.Time
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if verified, ok := mapClaims["email_verified"].(bool); ok {
		claims.EmailVerified = verified
	}
	return claims, nil
}
