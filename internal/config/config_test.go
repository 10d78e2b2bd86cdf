package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/insforge/insforge/internal/testutil"
)

func TestDefaultValidateRequiresJWTSecret(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	testutil.ErrorContains(t, err, "JWT_SECRET")

	cfg.Auth.JWTSecret = "test-secret"
	testutil.NoError(t, cfg.Validate())
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insforge.toml")
	content := `
[server]
port = 9000
site_url = "https://app.example.com"

[auth]
jwt_secret = "from-file"
require_email_verification = true
verification_method = "code"

[auth.password]
min_length = 12
require_digit = true

[auth.oauth.google]
enabled = true
client_id = "gid"
client_secret = "gsecret"
`
	testutil.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	testutil.NoError(t, err)
	testutil.Equal(t, 9000, cfg.Server.Port)
	testutil.Equal(t, "from-file", cfg.Auth.JWTSecret)
	testutil.True(t, cfg.Auth.RequireEmailVerification, "verification should be required")
	testutil.Equal(t, "code", cfg.Auth.VerificationMethod)
	testutil.Equal(t, 12, cfg.Auth.Password.MinLength)
	testutil.True(t, cfg.Auth.Password.RequireDigit, "digit policy should be on")
	testutil.Equal(t, "gid", cfg.Auth.OAuth["google"].ClientID)
	testutil.NoError(t, cfg.Validate())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("PORT", "7777")
	t.Setenv("ADMIN_EMAIL", "admin@example.com")
	t.Setenv("ADMIN_PASSWORD", "hunter22")
	t.Setenv("POSTGREST_BASE_URL", "http://postgrest:3000")
	t.Setenv("PROJECT_ID", "proj-1")
	t.Setenv("CLOUD_API_HOST", "https://cloud.example.com")
	t.Setenv("GITHUB_CLIENT_ID", "ghid")
	t.Setenv("GITHUB_CLIENT_SECRET", "ghsecret")

	cfg, err := Load("")
	testutil.NoError(t, err)
	testutil.Equal(t, "from-env", cfg.Auth.JWTSecret)
	testutil.Equal(t, 7777, cfg.Server.Port)
	testutil.Equal(t, "admin@example.com", cfg.Admin.Email)
	testutil.Equal(t, "http://postgrest:3000", cfg.PostgREST.BaseURL)
	testutil.Equal(t, "proj-1", cfg.Cloud.ProjectID)

	p, ok := cfg.Auth.OAuth["github"]
	testutil.True(t, ok, "github provider should be configured from env")
	testutil.True(t, p.Enabled, "github provider should be enabled")
	testutil.Equal(t, "ghsecret", p.ClientSecret)
}

func TestSharedKeyElection(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("GOOGLE_USE_SHARED_KEY", "true")

	cfg, err := Load("")
	testutil.NoError(t, err)
	p := cfg.Auth.OAuth["google"]
	testutil.True(t, p.Enabled, "shared-key election should enable the provider")
	testutil.True(t, p.UseSharedKey, "shared-key flag should be set")
	testutil.Equal(t, "", p.ClientID)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s"
	cfg.Auth.OAuth["myspace"] = OAuthProvider{Enabled: true}
	testutil.ErrorContains(t, cfg.Validate(), "unknown OAuth provider")
}

func TestValidateRejectsBadVerificationMethod(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s"
	cfg.Auth.VerificationMethod = "carrier-pigeon"
	testutil.ErrorContains(t, cfg.Validate(), "verification_method")
}

func TestPublicBaseURL(t *testing.T) {
	cfg := Default()
	testutil.Equal(t, "http://localhost:7130", cfg.PublicBaseURL())

	cfg.Server.SiteURL = "https://api.example.com/"
	testutil.Equal(t, "https://api.example.com", cfg.PublicBaseURL())
}

func TestInvalidPortEnv(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := Load("")
	testutil.ErrorContains(t, err, "PORT")
}
