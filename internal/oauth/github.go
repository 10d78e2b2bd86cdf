package oauth

import (
	"context"
	"net/http"
)

// fetchGitHub resolves the GitHub identity. GitHub hides the email on /user
// when the user marks it private, so we fall back to /user/emails and, when
// even that yields nothing, synthesise the noreply address GitHub itself
// uses for private commits.
func (p *standardProvider) fetchGitHub(ctx context.Context, client *http.Client) (*Identity, error) {
	var info map[string]any
	header := http.Header{"Accept": []string{"application/vnd.github+json"}}
	if err := getJSON(ctx, client, "https://api.github.com/user", header, &info); err != nil {
		return nil, err
	}
	login := stringField(info, "login")

	email := stringField(info, "email")
	if email == "" {
		email = p.primaryGitHubEmail(ctx, client, header)
	}
	if email == "" {
		email = login + "@users.noreply.github.com"
	}

	return &Identity{
		ProviderID:   asString(info["id"]),
		Email:        email,
		UserName:     login,
		AvatarURL:    stringField(info, "avatar_url"),
		IdentityData: info,
	}, nil
}

// primaryGitHubEmail picks the primary verified address from /user/emails.
// Any failure here is non-fatal; the caller synthesises instead.
func (p *standardProvider) primaryGitHubEmail(ctx context.Context, client *http.Client, header http.Header) string {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, client, "https://api.github.com/user/emails", header, &emails); err != nil {
		return ""
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}
