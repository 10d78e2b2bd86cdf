package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level Insforge configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Admin     AdminConfig     `toml:"admin"`
	Auth      AuthConfig      `toml:"auth"`
	Cloud     CloudConfig     `toml:"cloud"`
	PostgREST PostgRESTConfig `toml:"postgrest"`
	Email     EmailConfig     `toml:"email"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	SiteURL            string   `toml:"site_url"` // public base URL for email action links
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	ShutdownTimeout    int      `toml:"shutdown_timeout"` // seconds
	MaxFileSize        string   `toml:"max_file_size"`    // forwarded to the storage collaborator
}

type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
	MinConns int    `toml:"min_conns"`
	// EncryptionKey is set as the app.encryption_key GUC on checked-out
	// connections that run schedule helpers. Connection-scoped.
	EncryptionKey string `toml:"encryption_key"`
}

// AdminConfig holds the dashboard admin credentials. Admin login compares
// against these directly and never touches the database.
type AdminConfig struct {
	Email    string `toml:"email"`
	Password string `toml:"password"`
}

type AuthConfig struct {
	JWTSecret                string                   `toml:"jwt_secret"`
	AccessTokenDuration      int                      `toml:"access_token_duration"`  // seconds, default 7 days
	RefreshTokenDuration     int                      `toml:"refresh_token_duration"` // seconds, default 7 days
	RequireEmailVerification bool                     `toml:"require_email_verification"`
	VerificationMethod       string                   `toml:"verification_method"` // "code" or "link"
	RateLimit                int                      `toml:"rate_limit"`          // requests/minute on email endpoints
	APIKey                   string                   `toml:"api_key"`             // platform API key upgraded to an admin JWT by the proxy
	Password                 PasswordPolicyConfig     `toml:"password"`
	OAuth                    map[string]OAuthProvider `toml:"oauth"`
	RedirectURL              string                   `toml:"redirect_url"` // where browser flows land after OAuth
}

// PasswordPolicyConfig is the registration password policy.
type PasswordPolicyConfig struct {
	MinLength        int  `toml:"min_length"`
	RequireDigit     bool `toml:"require_digit"`
	RequireLowercase bool `toml:"require_lowercase"`
	RequireUppercase bool `toml:"require_uppercase"`
	RequireSpecial   bool `toml:"require_special"`
}

// OAuthProvider configures a single OAuth2 provider (e.g. google, github).
// When UseSharedKey is set, the provider flow is delegated to the cloud
// broker and client credentials are not required locally.
type OAuthProvider struct {
	Enabled      bool   `toml:"enabled"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	UseSharedKey bool   `toml:"use_shared_key"`

	// Apple-only: the client secret is a per-request ES256 JWT signed with
	// this key instead of a static string.
	TeamID     string `toml:"team_id"`
	KeyID      string `toml:"key_id"`
	PrivateKey string `toml:"private_key"` // PKCS8 PEM
}

// CloudConfig enables the cloud admin-login path.
type CloudConfig struct {
	APIHost   string `toml:"api_host"`
	ProjectID string `toml:"project_id"`
}

type PostgRESTConfig struct {
	BaseURL string `toml:"base_url"`
}

// EmailConfig controls how Insforge sends transactional emails.
// When Backend is "" or "log", emails are printed to the console (dev mode).
type EmailConfig struct {
	Backend  string          `toml:"backend"` // "log" (default) or "smtp"
	From     string          `toml:"from"`
	FromName string          `toml:"from_name"`
	SMTP     EmailSMTPConfig `toml:"smtp"`
}

type EmailSMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	TLS      bool   `toml:"tls"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// providerNames are the OAuth providers Insforge knows how to drive.
var providerNames = []string{
	"google", "github", "discord", "linkedin", "facebook", "microsoft", "x", "apple",
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               7130,
			CORSAllowedOrigins: []string{"*"},
			ShutdownTimeout:    15,
		},
		Database: DatabaseConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Auth: AuthConfig{
			AccessTokenDuration:  7 * 24 * 3600,
			RefreshTokenDuration: 7 * 24 * 3600,
			VerificationMethod:   "link",
			RateLimit:            10,
			Password: PasswordPolicyConfig{
				MinLength: 8,
			},
			OAuth: map[string]OAuthProvider{},
		},
		PostgREST: PostgRESTConfig{
			BaseURL: "http://localhost:5430",
		},
		Email: EmailConfig{
			Backend: "log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config file (optional) and applies environment overrides.
// Passing an empty path skips the file and configures purely from env.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal problems.
// A missing JWT secret refuses to start the server.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required: set auth.jwt_secret or the JWT_SECRET environment variable")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Auth.VerificationMethod {
	case "code", "link":
	default:
		return fmt.Errorf("auth.verification_method must be %q or %q, got %q", "code", "link", c.Auth.VerificationMethod)
	}
	for name := range c.Auth.OAuth {
		if !isKnownProvider(name) {
			return fmt.Errorf("unknown OAuth provider %q (known: %s)", name, strings.Join(providerNames, ", "))
		}
	}
	return nil
}

func isKnownProvider(name string) bool {
	for _, p := range providerNames {
		if p == name {
			return true
		}
	}
	return false
}

// KnownOAuthProvider reports whether name is one of the providers Insforge
// knows how to drive, configured or not.
func KnownOAuthProvider(name string) bool {
	return isKnownProvider(name)
}

// Address returns the host:port the HTTP server binds to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PublicBaseURL returns the externally visible base URL, used in email
// action links and OAuth callback URLs.
func (c *Config) PublicBaseURL() string {
	if c.Server.SiteURL != "" {
		return strings.TrimRight(c.Server.SiteURL, "/")
	}
	host := c.Server.Host
	if host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

func envInt(name string, dest *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q is not an integer", name, v)
	}
	*dest = n
	return nil
}

func envBool(name string, dest *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	*dest = v == "1" || strings.EqualFold(v, "true")
}

// applyEnv overlays the environment variables the platform documents onto cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if err := envInt("PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if v := os.Getenv("SITE_URL"); v != "" {
		cfg.Server.SiteURL = v
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		cfg.Server.MaxFileSize = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DB_ENCRYPTION_KEY"); v != "" {
		cfg.Database.EncryptionKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ACCESS_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.Admin.Email = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.Admin.Password = v
	}
	if v := os.Getenv("PROJECT_ID"); v != "" {
		cfg.Cloud.ProjectID = v
	}
	if v := os.Getenv("CLOUD_API_HOST"); v != "" {
		cfg.Cloud.APIHost = v
	}
	if v := os.Getenv("POSTGREST_BASE_URL"); v != "" {
		cfg.PostgREST.BaseURL = v
	}
	envBool("REQUIRE_EMAIL_VERIFICATION", &cfg.Auth.RequireEmailVerification)
	if v := os.Getenv("VERIFICATION_METHOD"); v != "" {
		cfg.Auth.VerificationMethod = strings.ToLower(v)
	}
	if err := envInt("AUTH_RATE_LIMIT", &cfg.Auth.RateLimit); err != nil {
		return err
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	applyOAuthEnv(cfg)
	return nil
}

// applyOAuthEnv reads GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET style pairs for
// every known provider, plus the Apple signing key triple and the
// <PROVIDER>_USE_SHARED_KEY flags that elect the cloud-broker path.
func applyOAuthEnv(cfg *Config) {
	if cfg.Auth.OAuth == nil {
		cfg.Auth.OAuth = map[string]OAuthProvider{}
	}
	for _, name := range providerNames {
		prefix := strings.ToUpper(name)
		p := cfg.Auth.OAuth[name]
		if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
			p.ClientID = v
			p.Enabled = true
		}
		if v := os.Getenv(prefix + "_CLIENT_SECRET"); v != "" {
			p.ClientSecret = v
		}
		if v := os.Getenv(prefix + "_USE_SHARED_KEY"); v == "1" || strings.EqualFold(v, "true") {
			p.UseSharedKey = true
			p.Enabled = true
		}
		if name == "apple" {
			if v := os.Getenv("APPLE_TEAM_ID"); v != "" {
				p.TeamID = v
			}
			if v := os.Getenv("APPLE_KEY_ID"); v != "" {
				p.KeyID = v
			}
			if v := os.Getenv("APPLE_PRIVATE_KEY"); v != "" {
				p.PrivateKey = v
			}
		}
		if p.Enabled {
			cfg.Auth.OAuth[name] = p
		}
	}
}
