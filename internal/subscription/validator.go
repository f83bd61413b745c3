package subscription

import (
	"fmt"
	"strings"

	"triggerhub/internal/filtering"
	"triggerhub/pkg/models"
)

var validSchemes = map[string]bool{
	"":                       true,
	models.SchemeNone:        true,
	models.SchemeHMAC:        true,
	models.SchemeTwilio:      true,
	models.SchemeSharedToken: true,
	models.SchemeOIDC:        true,
}

func validateEvents(events []string) error {
	seen := make(map[string]bool, len(events))
	for i, e := range events {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("events[%d] is empty", i)
		}
		if seen[e] {
			return fmt.Errorf("event %q is declared twice", e)
		}
		seen[e] = true
	}
	return nil
}

func validateFilters(engine *filtering.Engine, filters map[string]models.FilterRule) error {
	for name, rule := range filters {
		if err := engine.Validate(rule); err != nil {
			return fmt.Errorf("invalid filter for %s: %w", name, err)
		}
	}
	return nil
}

func validateVerification(v models.Verification) error {
	if !validSchemes[v.Scheme] {
		return fmt.Errorf("invalid verification scheme: %s. Allowed: none, hmac, twilio, token, oidc", v.Scheme)
	}
	if v.Scheme == models.SchemeHMAC && v.Header == "" {
		return fmt.Errorf("verification.header is required for hmac")
	}
	return nil
}

// ValidateSecret checks that signing schemes have a secret. It runs after
// the provider watch was registered, since some providers issue the secret.
func ValidateSecret(sub *models.Subscription) error {
	switch sub.Verification.Scheme {
	case models.SchemeHMAC, models.SchemeTwilio:
		if sub.Secret == "" {
			return fmt.Errorf("secret is required for %s verification", sub.Verification.Scheme)
		}
	}
	return nil
}

func ValidateCreate(engine *filtering.Engine, req CreateRequest, verification models.Verification) error {
	if req.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if err := validateEvents(req.Events); err != nil {
		return err
	}
	if err := validateFilters(engine, req.Filters); err != nil {
		return err
	}
	return validateVerification(verification)
}

func ValidateUpdate(engine *filtering.Engine, req UpdateRequest, merged *models.Subscription) error {
	if req.Events != nil {
		if err := validateEvents(*req.Events); err != nil {
			return err
		}
	}
	if req.Filters != nil {
		if err := validateFilters(engine, *req.Filters); err != nil {
			return err
		}
	}
	if err := validateVerification(merged.Verification); err != nil {
		return err
	}
	return ValidateSecret(merged)
}
