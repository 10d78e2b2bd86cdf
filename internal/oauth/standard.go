package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/insforge/insforge/internal/config"
)

// standardProvider covers the plain authorization-code providers. The
// differences between them reduce to an endpoint, a scope list, and how the
// userinfo payload maps onto an Identity.
type standardProvider struct {
	name  string
	conf  *oauth2.Config
	fetch func(ctx context.Context, client *http.Client) (*Identity, error)
}

func newStandardProvider(name string, pc config.OAuthProvider, callback string) (*standardProvider, error) {
	p := &standardProvider{name: name}
	conf := &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		RedirectURL:  callback,
	}

	switch name {
	case "google":
		conf.Endpoint = endpoints.Google
		conf.Scopes = []string{"openid", "email", "profile"}
		p.fetch = p.fetchGoogle
	case "github":
		conf.Endpoint = endpoints.GitHub
		conf.Scopes = []string{"read:user", "user:email"}
		p.fetch = p.fetchGitHub
	case "discord":
		conf.Endpoint = endpoints.Discord
		conf.Scopes = []string{"identify", "email"}
		p.fetch = p.fetchDiscord
	case "linkedin":
		conf.Endpoint = endpoints.LinkedIn
		conf.Scopes = []string{"openid", "profile", "email"}
		p.fetch = p.fetchLinkedIn
	case "facebook":
		conf.Endpoint = endpoints.Facebook
		conf.Scopes = []string{"email", "public_profile"}
		p.fetch = p.fetchFacebook
	case "microsoft":
		conf.Endpoint = endpoints.AzureAD("common")
		conf.Scopes = []string{"openid", "email", "profile", "User.Read"}
		p.fetch = p.fetchMicrosoft
	default:
		return nil, ErrUnknownProvider
	}
	p.conf = conf
	return p, nil
}

func (p *standardProvider) Name() string { return p.name }

func (p *standardProvider) AuthorizeURL(state string) (string, error) {
	return p.conf.AuthCodeURL(state), nil
}

func (p *standardProvider) Callback(ctx context.Context, req CallbackRequest) (*Identity, error) {
	if req.Code == "" {
		return nil, ErrCodeRequired
	}
	ctx = withHTTPClient(ctx)
	tok, err := p.conf.Exchange(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExchangeFailed, p.name, err)
	}
	identity, err := p.fetch(ctx, p.conf.Client(ctx, tok))
	if err != nil {
		return nil, err
	}
	identity.Provider = p.name
	return identity, nil
}

func (p *standardProvider) fetchGoogle(ctx context.Context, client *http.Client) (*Identity, error) {
	var info map[string]any
	if err := getJSON(ctx, client, "https://www.googleapis.com/oauth2/v2/userinfo", nil, &info); err != nil {
		return nil, err
	}
	return &Identity{
		ProviderID:   stringField(info, "id"),
		Email:        stringField(info, "email"),
		UserName:     stringField(info, "name"),
		AvatarURL:    stringField(info, "picture"),
		IdentityData: info,
	}, nil
}

func (p *standardProvider) fetchDiscord(ctx context.Context, client *http.Client) (*Identity, error) {
	var info map[string]any
	if err := getJSON(ctx, client, "https://discord.com/api/users/@me", nil, &info); err != nil {
		return nil, err
	}
	id := stringField(info, "id")
	username := stringField(info, "username")
	email := stringField(info, "email")
	if email == "" {
		email = synthesizeEmail(username, "discord")
	}
	var avatar string
	if hash := stringField(info, "avatar"); hash != "" && id != "" {
		avatar = "https://cdn.discordapp.com/avatars/" + id + "/" + hash + ".png"
	}
	return &Identity{
		ProviderID:   id,
		Email:        email,
		UserName:     username,
		AvatarURL:    avatar,
		IdentityData: info,
	}, nil
}

func (p *standardProvider) fetchLinkedIn(ctx context.Context, client *http.Client) (*Identity, error) {
	var info map[string]any
	if err := getJSON(ctx, client, "https://api.linkedin.com/v2/userinfo", nil, &info); err != nil {
		return nil, err
	}
	return &Identity{
		ProviderID:   stringField(info, "sub"),
		Email:        stringField(info, "email"),
		UserName:     stringField(info, "name"),
		AvatarURL:    stringField(info, "picture"),
		IdentityData: info,
	}, nil
}

func (p *standardProvider) fetchFacebook(ctx context.Context, client *http.Client) (*Identity, error) {
	var info map[string]any
	url := "https://graph.facebook.com/v19.0/me?fields=id,name,email,picture"
	if err := getJSON(ctx, client, url, nil, &info); err != nil {
		return nil, err
	}
	id := stringField(info, "id")
	email := stringField(info, "email")
	if email == "" {
		email = synthesizeEmail(id, "facebook")
	}
	var avatar string
	if pic, ok := info["picture"].(map[string]any); ok {
		if data, ok := pic["data"].(map[string]any); ok {
			avatar = stringField(data, "url")
		}
	}
	return &Identity{
		ProviderID:   id,
		Email:        email,
		UserName:     stringField(info, "name"),
		AvatarURL:    avatar,
		IdentityData: info,
	}, nil
}

func (p *standardProvider) fetchMicrosoft(ctx context.Context, client *http.Client) (*Identity, error) {
	var info map[string]any
	if err := getJSON(ctx, client, "https://graph.microsoft.com/v1.0/me", nil, &info); err != nil {
		return nil, err
	}
	email := stringField(info, "mail")
	if email == "" {
		email = stringField(info, "userPrincipalName")
	}
	return &Identity{
		ProviderID:   stringField(info, "id"),
		Email:        email,
		UserName:     stringField(info, "displayName"),
		IdentityData: info,
	}, nil
}

// asString renders a JSON scalar id, which GitHub delivers as a number.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	}
	return ""
}
