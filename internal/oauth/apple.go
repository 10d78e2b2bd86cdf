package oauth

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/insforge/insforge/internal/config"
)

const (
	appleIssuer       = "https://appleid.apple.com"
	appleAuthorizeURL = appleIssuer + "/auth/authorize"
	appleTokenURL     = appleIssuer + "/auth/token"
	appleKeysURL      = appleIssuer + "/auth/keys"

	// Apple caps client-secret lifetime at six months; one hour is plenty
	// for a secret minted per request.
	appleSecretTTL = time.Hour
)

// appleProvider implements Sign in with Apple. Apple diverges from the other
// providers twice over: the redirect uses response_mode=form_post, and the
// client secret is not a static string but an ES256 JWT signed per request
// with the developer's private key. Identity comes from the id_token, which
// is verified against Apple's JWKS.
type appleProvider struct {
	clientID string
	teamID   string
	keyID    string
	key      *ecdsa.PrivateKey
	callback string
	verifier *oidc.IDTokenVerifier
}

func newAppleProvider(pc config.OAuthProvider, callback string) (*appleProvider, error) {
	if pc.TeamID == "" || pc.KeyID == "" || pc.PrivateKey == "" {
		return nil, fmt.Errorf("apple requires team_id, key_id and private_key")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pc.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse apple private key: %w", err)
	}

	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), httpClient), appleKeysURL)
	return &appleProvider{
		clientID: pc.ClientID,
		teamID:   pc.TeamID,
		keyID:    pc.KeyID,
		key:      key,
		callback: callback,
		verifier: oidc.NewVerifier(appleIssuer, keySet, &oidc.Config{ClientID: pc.ClientID}),
	}, nil
}

func (p *appleProvider) Name() string { return "apple" }

func (p *appleProvider) AuthorizeURL(state string) (string, error) {
	q := url.Values{
		"response_type": {"code"},
		"response_mode": {"form_post"},
		"client_id":     {p.clientID},
		"redirect_uri":  {p.callback},
		"scope":         {"name email"},
	}
	if state != "" {
		q.Set("state", state)
	}
	return appleAuthorizeURL + "?" + q.Encode(), nil
}

// Callback accepts either an authorization code (web form_post flow) or an
// id_token obtained natively on-device. Both paths end in JWKS verification.
func (p *appleProvider) Callback(ctx context.Context, req CallbackRequest) (*Identity, error) {
	idToken := req.Token
	if idToken == "" {
		if req.Code == "" {
			return nil, ErrCodeRequired
		}
		var err error
		idToken, err = p.exchangeCode(ctx, req.Code)
		if err != nil {
			return nil, err
		}
	}
	return p.identityFromIDToken(ctx, idToken)
}

// clientSecret mints the per-request ES256 assertion Apple demands in place
// of a static client secret.
func (p *appleProvider) clientSecret() (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    p.teamID,
		Subject:   p.clientID,
		Audience:  jwt.ClaimStrings{appleIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleSecretTTL)),
	})
	tok.Header["kid"] = p.keyID
	return tok.SignedString(p.key)
}

func (p *appleProvider) exchangeCode(ctx context.Context, code string) (string, error) {
	secret, err := p.clientSecret()
	if err != nil {
		return "", fmt.Errorf("sign apple client secret: %w", err)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {p.clientID},
		"client_secret": {secret},
		"redirect_uri":  {p.callback},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, appleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: apple: %w", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: apple returned %d: %s", ErrExchangeFailed, resp.StatusCode, body)
	}

	var payload struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: apple: %w", ErrExchangeFailed, err)
	}
	if payload.IDToken == "" {
		return "", fmt.Errorf("%w: apple response missing id_token", ErrExchangeFailed)
	}
	return payload.IDToken, nil
}

func (p *appleProvider) identityFromIDToken(ctx context.Context, raw string) (*Identity, error) {
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: apple id_token: %w", ErrExchangeFailed, err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode apple claims: %w", err)
	}

	email := stringField(claims, "email")
	if email == "" {
		// Apple only sends the email on first authorization.
		email = synthesizeEmail(idToken.Subject, "apple")
	}
	return &Identity{
		Provider:     "apple",
		ProviderID:   idToken.Subject,
		Email:        email,
		IdentityData: claims,
	}, nil
}
