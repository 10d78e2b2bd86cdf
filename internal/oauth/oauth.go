// Package oauth implements third-party sign-in against the eight supported
// identity providers. Each provider normalises its userinfo payload into an
// Identity; account linking and session issue live in the auth service.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/insforge/insforge/internal/config"
)

// httpTimeout bounds every provider round trip: code exchange, userinfo
// fetch, JWKS refresh. Provider outages must not pin handler goroutines.
const httpTimeout = 10 * time.Second

// httpClient is shared by all providers.
var httpClient = &http.Client{Timeout: httpTimeout}

// withHTTPClient pins the oauth2 transport to the timeout-bounded client.
// Without it, Exchange and Client fall back to http.DefaultClient, which has
// no timeout at all.
func withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, httpClient)
}

var (
	ErrUnknownProvider  = errors.New("oauth: unknown provider")
	ErrProviderDisabled = errors.New("oauth: provider not configured")
	ErrStateRequired    = errors.New("oauth: state parameter is required")
	ErrCodeRequired     = errors.New("oauth: authorization code is required")
	ErrExchangeFailed   = errors.New("oauth: code exchange failed")
	ErrUserInfoFailed   = errors.New("oauth: fetching user info failed")
)

// Identity is the normalised record every provider resolves to. Providers
// that cannot supply a real email synthesise one under a .local domain so the
// unique-email invariant holds without colliding with routable addresses.
type Identity struct {
	Provider     string         `json:"provider"`
	ProviderID   string         `json:"providerId"`
	Email        string         `json:"email"`
	UserName     string         `json:"userName,omitempty"`
	AvatarURL    string         `json:"avatarUrl,omitempty"`
	IdentityData map[string]any `json:"identityData,omitempty"`
}

// CallbackRequest carries the parameters the provider redirected back with.
// Code is set for authorization-code providers; Token carries Apple's
// id_token when the client completed the flow natively.
type CallbackRequest struct {
	Code  string
	Token string
	State string
}

// Provider is one configured identity provider.
type Provider interface {
	Name() string
	// AuthorizeURL builds the provider's authorize endpoint. state may be
	// empty for providers that do not require it.
	AuthorizeURL(state string) (string, error)
	Callback(ctx context.Context, req CallbackRequest) (*Identity, error)
}

// Manager holds the configured providers plus the shared-key broker path.
type Manager struct {
	providers map[string]Provider
	shared    *sharedBroker
	logger    *slog.Logger
}

// NewManager builds providers from configuration. redirectBase is this
// service's public base URL; each provider's callback lands at
// <redirectBase>/api/auth/oauth/<name>/callback. Providers flagged
// use_shared_key are delegated to the cloud broker instead of configured
// locally.
func NewManager(cfg config.AuthConfig, cloud config.CloudConfig, redirectBase string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		providers: make(map[string]Provider),
		logger:    logger,
	}
	if cloud.APIHost != "" {
		m.shared = newSharedBroker(cloud, logger)
	}

	verifiers := newVerifierStore()
	for name, pc := range cfg.OAuth {
		if !pc.Enabled {
			continue
		}
		if pc.UseSharedKey {
			if m.shared == nil {
				return nil, fmt.Errorf("oauth provider %s: use_shared_key requires a cloud api host", name)
			}
			m.providers[name] = m.shared.provider(name)
			continue
		}

		callback := redirectBase + "/api/auth/oauth/" + name + "/callback"
		p, err := newProvider(name, pc, callback, verifiers)
		if err != nil {
			return nil, fmt.Errorf("oauth provider %s: %w", name, err)
		}
		m.providers[name] = p
	}
	return m, nil
}

// newProvider dispatches on the provider name.
func newProvider(name string, pc config.OAuthProvider, callback string, verifiers *verifierStore) (Provider, error) {
	if pc.ClientID == "" {
		return nil, ErrProviderDisabled
	}
	switch name {
	case "google", "github", "discord", "linkedin", "facebook", "microsoft":
		return newStandardProvider(name, pc, callback)
	case "x":
		return newXProvider(pc, callback, verifiers)
	case "apple":
		return newAppleProvider(pc, callback)
	}
	return nil, ErrUnknownProvider
}

// Provider returns the named provider or ErrUnknownProvider /
// ErrProviderDisabled.
func (m *Manager) Provider(name string) (Provider, error) {
	if !config.KnownOAuthProvider(name) {
		return nil, ErrUnknownProvider
	}
	p, ok := m.providers[name]
	if !ok {
		return nil, ErrProviderDisabled
	}
	return p, nil
}

// EnabledProviders lists the configured provider names.
func (m *Manager) EnabledProviders() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// synthesizeEmail builds the placeholder address for providers that withhold
// the user's email.
func synthesizeEmail(handle, provider string) string {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		handle = "user"
	}
	return handle + "@users.noreply." + provider + ".local"
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func getJSON(ctx context.Context, client *http.Client, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for name, values := range header {
		req.Header[name] = values
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUserInfoFailed, url, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
