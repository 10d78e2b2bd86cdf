package auth

import (
	"testing"

	"github.com/insforge/insforge/internal/config"
	"github.com/insforge/insforge/internal/testutil"
)

func TestValidatePasswordLength(t *testing.T) {
	t.Parallel()
	policy := config.PasswordPolicyConfig{MinLength: 8}
	testutil.ErrorContains(t, ValidatePassword("short", policy), "at least 8")
	testutil.NoError(t, ValidatePassword("longenough", policy))

	// Zero min length falls back to 8.
	testutil.ErrorContains(t, ValidatePassword("seven77", config.PasswordPolicyConfig{}), "at least 8")
}

func TestValidatePasswordCharacterClasses(t *testing.T) {
	t.Parallel()
	policy := config.PasswordPolicyConfig{
		MinLength:        8,
		RequireDigit:     true,
		RequireLowercase: true,
		RequireUppercase: true,
		RequireSpecial:   true,
	}

	testutil.ErrorContains(t, ValidatePassword("NoDigits!", policy), "digit")
	testutil.ErrorContains(t, ValidatePassword("NODIGIT1!", policy), "lowercase")
	testutil.ErrorContains(t, ValidatePassword("nodigit1!", policy), "uppercase")
	testutil.ErrorContains(t, ValidatePassword("NoSpec1al", policy), "special")
	testutil.NoError(t, ValidatePassword("G0od-Pass!", policy))
}
