package oauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/insforge/insforge/internal/config"
)

// xProvider drives X (Twitter). X mandates PKCE on the authorization-code
// flow, so the authorize step mints a verifier keyed by state and the
// callback must present the same state to retrieve it. X never returns the
// user's email, so one is always synthesised from the handle.
type xProvider struct {
	conf      *oauth2.Config
	verifiers *verifierStore
}

func newXProvider(pc config.OAuthProvider, callback string, verifiers *verifierStore) (*xProvider, error) {
	return &xProvider{
		conf: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  callback,
			Endpoint:     endpoints.X,
			Scopes:       []string{"tweet.read", "users.read"},
		},
		verifiers: verifiers,
	}, nil
}

func (p *xProvider) Name() string { return "x" }

func (p *xProvider) AuthorizeURL(state string) (string, error) {
	if state == "" {
		return "", ErrStateRequired
	}
	verifier := oauth2.GenerateVerifier()
	p.verifiers.put(state, verifier)
	return p.conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

func (p *xProvider) Callback(ctx context.Context, req CallbackRequest) (*Identity, error) {
	if req.Code == "" {
		return nil, ErrCodeRequired
	}
	if req.State == "" {
		return nil, ErrStateRequired
	}
	verifier := p.verifiers.take(req.State)
	if verifier == "" {
		return nil, fmt.Errorf("%w: x: unknown or expired state", ErrExchangeFailed)
	}

	ctx = withHTTPClient(ctx)
	tok, err := p.conf.Exchange(ctx, req.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: x: %w", ErrExchangeFailed, err)
	}
	return p.fetchUser(ctx, p.conf.Client(ctx, tok))
}

func (p *xProvider) fetchUser(ctx context.Context, client *http.Client) (*Identity, error) {
	var payload struct {
		Data map[string]any `json:"data"`
	}
	url := "https://api.twitter.com/2/users/me?user.fields=profile_image_url"
	if err := getJSON(ctx, client, url, nil, &payload); err != nil {
		return nil, err
	}
	handle := stringField(payload.Data, "username")
	return &Identity{
		Provider:     "x",
		ProviderID:   stringField(payload.Data, "id"),
		Email:        synthesizeEmail(handle, "x"),
		UserName:     handle,
		AvatarURL:    stringField(payload.Data, "profile_image_url"),
		IdentityData: payload.Data,
	}, nil
}
