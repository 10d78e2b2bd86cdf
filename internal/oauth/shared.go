package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/insforge/insforge/internal/config"
)

// sharedBroker delegates the provider round trip to the cloud platform for
// projects that have no OAuth app of their own. The broker runs the flow
// under its shared credentials and redirects back with a payload signed by
// the same key set that backs cloud admin tokens.
type sharedBroker struct {
	apiHost   string
	projectID string
	keySet    *oidc.RemoteKeySet
	logger    *slog.Logger
}

func newSharedBroker(cloud config.CloudConfig, logger *slog.Logger) *sharedBroker {
	return &sharedBroker{
		apiHost:   cloud.APIHost,
		projectID: cloud.ProjectID,
		keySet:    oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), httpClient), cloud.APIHost+"/.well-known/jwks.json"),
		logger:    logger,
	}
}

func (b *sharedBroker) provider(name string) Provider {
	return &sharedProvider{name: name, broker: b}
}

// sharedCallback verifies the broker's signed payload and normalises it.
func (b *sharedBroker) sharedCallback(ctx context.Context, providerName, payload string) (*Identity, error) {
	raw, err := b.keySet.VerifySignature(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: shared payload: %w", ErrExchangeFailed, err)
	}

	var claims struct {
		Provider   string         `json:"provider"`
		ProviderID string         `json:"providerId"`
		Sub        string         `json:"sub"`
		Email      string         `json:"email"`
		Name       string         `json:"name"`
		AvatarURL  string         `json:"avatarUrl"`
		Identity   map[string]any `json:"identityData"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("decode shared payload: %w", err)
	}
	if claims.Provider != "" && claims.Provider != providerName {
		return nil, fmt.Errorf("%w: shared payload is for provider %s", ErrExchangeFailed, claims.Provider)
	}

	providerID := claims.ProviderID
	if providerID == "" {
		providerID = claims.Sub
	}
	if providerID == "" {
		return nil, fmt.Errorf("%w: shared payload missing subject", ErrExchangeFailed)
	}
	email := claims.Email
	if email == "" {
		email = synthesizeEmail(providerID, providerName)
	}
	return &Identity{
		Provider:     providerName,
		ProviderID:   providerID,
		Email:        email,
		UserName:     claims.Name,
		AvatarURL:    claims.AvatarURL,
		IdentityData: claims.Identity,
	}, nil
}

// sharedProvider is the per-provider facade over the broker.
type sharedProvider struct {
	name   string
	broker *sharedBroker
}

func (p *sharedProvider) Name() string { return p.name }

func (p *sharedProvider) AuthorizeURL(state string) (string, error) {
	q := url.Values{}
	if p.broker.projectID != "" {
		q.Set("project_id", p.broker.projectID)
	}
	if state != "" {
		q.Set("state", state)
	}
	u := p.broker.apiHost + "/api/oauth/" + p.name + "/authorize"
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u, nil
}

// Callback expects the broker's signed payload in Token.
func (p *sharedProvider) Callback(ctx context.Context, req CallbackRequest) (*Identity, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("%w: shared flow requires a signed payload", ErrCodeRequired)
	}
	return p.broker.sharedCallback(ctx, p.name, req.Token)
}
