package auth

import (
	"fmt"
	"unicode"

	"github.com/insforge/insforge/internal/config"
)

// ValidatePassword checks a candidate password against the active policy.
// Failures wrap ErrValidation so handlers can map them to 400.
func ValidatePassword(password string, policy config.PasswordPolicyConfig) error {
	minLen := policy.MinLength
	if minLen <= 0 {
		minLen = 8
	}
	if len(password) < minLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minLen)
	}

	var hasDigit, hasLower, hasUpper, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		default:
			hasSpecial = true
		}
	}

	switch {
	case policy.RequireDigit && !hasDigit:
		return fmt.Errorf("%w: password must contain a digit", ErrValidation)
	case policy.RequireLowercase && !hasLower:
		return fmt.Errorf("%w: password must contain a lowercase letter", ErrValidation)
	case policy.RequireUppercase && !hasUpper:
		return fmt.Errorf("%w: password must contain an uppercase letter", ErrValidation)
	case policy.RequireSpecial && !hasSpecial:
		return fmt.Errorf("%w: password must contain a special character", ErrValidation)
	}
	return nil
}
